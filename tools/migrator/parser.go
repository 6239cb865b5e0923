package migrator

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration is one versioned schema change.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the contents of a migration named NNN_name.sql.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	noTransaction := false
	for i, line := range lines {
		if m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			upMarkerLine = i
			noTransaction = strings.TrimSpace(m[1]) == "notransaction"
			break
		}
	}

	if upMarkerLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Directives and comments may sit between the marker and the first statement
	var dependencies []int
	sqlStartLine := len(lines)
	for i := upMarkerLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if m := dependsRegex.FindStringSubmatch(line); m != nil {
			deps, err := parseDependencies(m[1])
			if err != nil {
				return nil, fmt.Errorf("%w in migration file: %s", err, filename)
			}
			dependencies = append(dependencies, deps...)
			continue
		}

		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		sqlStartLine = i
		break
	}

	upSQL := ""
	if sqlStartLine < len(lines) {
		upSQL = strings.TrimSpace(strings.Join(lines[sqlStartLine:], "\n"))
	}
	if upSQL == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:       version,
		Name:          matches[2],
		UpSQL:         upSQL,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
	}, nil
}

func parseDependencies(list string) ([]int, error) {
	fields := strings.Fields(list)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty dependency list")
	}

	deps := make([]int, 0, len(fields))
	for _, f := range fields {
		dep, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid dependency version '%s'", f)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// LoadMigrations reads every NNN_name.sql file in dir of fsys, validates
// the set and returns it sorted by version.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}

		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := validateSet(migrations); err != nil {
		return nil, err
	}

	return migrations, nil
}

// validateSet rejects duplicate versions, gaps, unknown dependencies and
// dependency cycles.
func validateSet(migrations []Migration) error {
	if err := detectCycle(migrations); err != nil {
		return err
	}

	versions := make(map[int]bool, len(migrations))
	for i, m := range migrations {
		if versions[m.Version] {
			return fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		versions[m.Version] = true

		if m.Version != i+1 {
			return fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versions[dep] {
				return fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	return nil
}

// detectCycle runs a three-color DFS over the dependency graph.
func detectCycle(migrations []Migration) error {
	const (
		unvisited = iota
		visiting
		done
	)

	graph := make(map[int][]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
	}

	color := make(map[int]int, len(migrations))

	var visit func(node int, trail []int) error
	visit = func(node int, trail []int) error {
		color[node] = visiting
		trail = append(trail, node)

		for _, dep := range graph[node] {
			switch color[dep] {
			case visiting:
				return fmt.Errorf("circular dependency detected: %v", append(trail, dep))
			case unvisited:
				if err := visit(dep, trail); err != nil {
					return err
				}
			}
		}

		color[node] = done
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == unvisited {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}

	return nil
}
