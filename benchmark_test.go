package mongolite

import (
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/mongolite/document"
)

// BenchmarkInsert benchmarks single-document insert throughput, grounded
// on bundoc's internal/benchmark/benchmark_test.go BenchmarkWrite, rewritten
// against the new Database/Collection API.
func BenchmarkInsert(b *testing.B) {
	db, err := Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer db.Close()

	c, err := db.CreateCollection("benchmark")
	if err != nil {
		b.Fatalf("create collection: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := c.InsertOne(document.NewObject(map[string]document.Value{
			"value": document.NewInt(int64(i)),
			"data":  document.NewString("benchmark data for testing write performance"),
		}))
		if err != nil {
			b.Fatalf("insert: %v", err)
		}
	}
}

// BenchmarkFindCollectionScan benchmarks Find against a pre-populated
// collection with no applicable index, forcing a full scan.
func BenchmarkFindCollectionScan(b *testing.B) {
	db, err := Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer db.Close()

	c, err := db.CreateCollection("benchmark")
	if err != nil {
		b.Fatalf("create collection: %v", err)
	}
	for i := 0; i < 1000; i++ {
		if _, err := c.InsertOne(document.NewObject(map[string]document.Value{"value": document.NewInt(int64(i))})); err != nil {
			b.Fatalf("seed insert: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := c.Find(document.NewObject(map[string]document.Value{"value": document.NewInt(int64(i % 1000))}))
		if err != nil {
			b.Fatalf("find: %v", err)
		}
	}
}

// BenchmarkFindIndexScan benchmarks Find against the same shape of
// collection but with an index over "value", exercising the planner's
// IndexScan path.
func BenchmarkFindIndexScan(b *testing.B) {
	db, err := Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer db.Close()

	c, err := db.CreateCollection("benchmark")
	if err != nil {
		b.Fatalf("create collection: %v", err)
	}
	if err := c.CreateIndex("value", true); err != nil {
		b.Fatalf("create index: %v", err)
	}
	for i := 0; i < 1000; i++ {
		if _, err := c.InsertOne(document.NewObject(map[string]document.Value{"value": document.NewInt(int64(i))})); err != nil {
			b.Fatalf("seed insert: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := c.Find(document.NewObject(map[string]document.Value{"value": document.NewInt(int64(i % 1000))}))
		if err != nil {
			b.Fatalf("find: %v", err)
		}
	}
}
