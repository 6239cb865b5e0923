package index

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/livinlefevreloca/deferral/internal/db"
)

// shuffledItems returns n items one second apart starting at base, in random order
func shuffledItems(n int, base int64) []db.Item {
	items := make([]db.Item, n)
	for i := range items {
		items[i] = db.Item{TimeStamp: base + int64(i)*1000}
	}
	r := rand.New(rand.NewSource(1))
	r.Shuffle(n, func(i, j int) { items[i], items[j] = items[j], items[i] })
	return items
}

var benchSizes = []int{100, 10000, 100000}

func BenchmarkNewItemIndex(b *testing.B) {
	for _, n := range benchSizes {
		items := shuffledItems(n, 0)
		b.Run(fmt.Sprintf("items=%d", n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = NewItemIndex(items)
			}
		})
	}
}

func BenchmarkDue(b *testing.B) {
	for _, n := range benchSizes {
		idx := NewItemIndex(shuffledItems(n, 0))
		// A loop iteration normally finds only a handful of items due
		now := int64(10) * 1000
		b.Run(fmt.Sprintf("items=%d", n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = idx.Due(now)
			}
		})
	}
}

func BenchmarkQuery_OneMinuteWindow(b *testing.B) {
	for _, n := range benchSizes {
		idx := NewItemIndex(shuffledItems(n, 0))
		start := int64(n/2) * 1000
		end := start + 60*1000
		b.Run(fmt.Sprintf("items=%d", n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = idx.Query(start, end)
			}
		})
	}
}

func BenchmarkInsert(b *testing.B) {
	for _, n := range benchSizes {
		idx := NewItemIndex(shuffledItems(n, 0))
		b.Run(fmt.Sprintf("items=%d", n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				idx.Insert(db.Item{TimeStamp: int64(i%n)*1000 + 500})
			}
		})
	}
}

// BenchmarkDue_DuringInserts measures readers while another goroutine keeps
// publishing new copies of the index
func BenchmarkDue_DuringInserts(b *testing.B) {
	idx := NewItemIndex(shuffledItems(10000, 0))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); ; i++ {
			select {
			case <-stop:
				return
			default:
				idx.Insert(db.Item{TimeStamp: (i%10000)*1000 + 1})
			}
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = idx.Due(5000)
		}
	})
	b.StopTimer()

	close(stop)
	wg.Wait()
}
