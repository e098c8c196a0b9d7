package storage

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"runtime"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/errs"
)

// chunkSize is how many records Compact scans between two samples of heap
// use for PeakMemoryMB. It does not bound memory: the latest-record entry
// for every (collection, _id) is held in memory for the whole scan.
const chunkSize = 1000

// CompactionStats reports the outcome of a Compact run (spec.md §4.D
// "Compaction stats exposed").
type CompactionStats struct {
	SizeBefore        int64
	SizeAfter         int64
	DocumentsScanned  int
	DocumentsKept     int
	TombstonesRemoved int
	PeakMemoryMB      float64
}

// SpaceSaved is SizeBefore - SizeAfter.
func (s CompactionStats) SpaceSaved() int64 { return s.SizeBefore - s.SizeAfter }

// CompressionRatio is SizeAfter / SizeBefore (1.0 when SizeBefore is 0).
func (s CompactionStats) CompressionRatio() float64 {
	if s.SizeBefore == 0 {
		return 1.0
	}
	return float64(s.SizeAfter) / float64(s.SizeBefore)
}

type latestRecord struct {
	offset     int64
	id         document.Id
	collection string
	tombstone  bool
}

// Compact rewrites the data file in place via an auxiliary ".compact"
// file (spec.md §4.D "Compaction"): for each collection, it keeps only
// the most recent record per (collection, _id), drops ids whose latest
// record is a tombstone, writes survivors sequentially at DataStart, and
// rebuilds every collection's catalog and metadata. A crash mid-compact
// leaves the original file untouched, since all writes land on the temp
// file until the final fsync+rename.
func (e *Engine) Compact() (CompactionStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	beforeInfo, err := e.file.Stat()
	if err != nil {
		return CompactionStats{}, &errs.IoError{Op: "stat data file before compact", Err: err}
	}
	stats := CompactionStats{SizeBefore: beforeInfo.Size()}

	latest, scanned, tombstones, err := e.scanLatestRecordsLocked(&stats)
	if err != nil {
		return CompactionStats{}, err
	}
	stats.DocumentsScanned = scanned
	stats.TombstonesRemoved = tombstones

	compactPath := e.path + ".compact"
	tmp, err := os.OpenFile(compactPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return CompactionStats{}, &errs.IoError{Op: "create compact file", Err: err}
	}
	defer os.Remove(compactPath) // no-op once renamed

	header := e.header
	if _, err := tmp.WriteAt(header.Encode(), 0); err != nil {
		tmp.Close()
		return CompactionStats{}, &errs.IoError{Op: "write compact header", Err: err}
	}

	newCollections := make(map[string]*CollectionMeta, len(e.collections))
	for name := range e.collections {
		newCollections[name] = newCollectionMeta(name)
	}

	offset := int64(DataStart)
	kept := 0
	for _, rec := range latest {
		if rec.tombstone {
			continue
		}
		cm, ok := newCollections[rec.collection]
		if !ok {
			// The collection was dropped: its records are not carried over.
			continue
		}
		raw, err := e.readDataLocked(rec.offset)
		if err != nil {
			tmp.Close()
			return CompactionStats{}, err
		}

		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		if _, err := tmp.WriteAt(lenBuf[:], offset); err != nil {
			tmp.Close()
			return CompactionStats{}, &errs.IoError{Op: "write compact record length", Err: err}
		}
		if len(raw) > 0 {
			if _, err := tmp.WriteAt(raw, offset+4); err != nil {
				tmp.Close()
				return CompactionStats{}, &errs.IoError{Op: "write compact record", Err: err}
			}
		}

		cm.Catalog[rec.id] = offset
		offset += 4 + int64(len(raw))
		kept++
	}
	stats.DocumentsKept = kept

	for name, oldMeta := range e.collections {
		nm := newCollections[name]
		nm.LastId = oldMeta.LastId
		nm.Indexes = oldMeta.Indexes
		nm.DataOffset = DataStart
		nm.IndexOffset = DataStart
	}

	metas := make([]*CollectionMeta, 0, len(newCollections))
	for _, m := range newCollections {
		metas = append(metas, m)
	}
	region, err := encodeMetadataRegion(metas)
	if err != nil {
		tmp.Close()
		return CompactionStats{}, err
	}
	if _, err := tmp.WriteAt(region, HeaderRegionSize); err != nil {
		tmp.Close()
		return CompactionStats{}, &errs.IoError{Op: "write compact metadata", Err: err}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return CompactionStats{}, &errs.IoError{Op: "fsync compact file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return CompactionStats{}, &errs.IoError{Op: "close compact file", Err: err}
	}
	if err := e.file.Close(); err != nil {
		return CompactionStats{}, &errs.IoError{Op: "close data file before rename", Err: err}
	}
	if err := os.Rename(compactPath, e.path); err != nil {
		return CompactionStats{}, &errs.IoError{Op: "rename compact file over data file", Err: err}
	}

	f, err := os.OpenFile(e.path, os.O_RDWR, 0644)
	if err != nil {
		return CompactionStats{}, &errs.IoError{Op: "reopen data file after compact", Err: err}
	}
	e.file = f
	e.collections = newCollections

	afterInfo, err := e.file.Stat()
	if err != nil {
		return CompactionStats{}, &errs.IoError{Op: "stat data file after compact", Err: err}
	}
	stats.SizeAfter = afterInfo.Size()
	return stats, nil
}

// scanLatestRecordsLocked walks the live data region once, tracking the
// latest record seen per (collection, _id) and sampling runtime.MemStats
// after every chunkSize records to report peak heap use. It returns the
// live latest records, the number of records scanned, and the number of
// ids whose latest record is a tombstone.
func (e *Engine) scanLatestRecordsLocked(stats *CompactionStats) ([]latestRecord, int, int, error) {
	info, err := e.file.Stat()
	if err != nil {
		return nil, 0, 0, &errs.IoError{Op: "stat data file for scan", Err: err}
	}

	latestByKey := make(map[string]latestRecord)
	scanned := 0
	var peakAllocMB float64

	offset := int64(DataStart)
	inChunk := 0
	for offset < info.Size() {
		raw, err := e.readDataLocked(offset)
		if err != nil {
			return nil, 0, 0, err
		}
		recLen := int64(len(raw))

		var doc document.Document
		if err := json.Unmarshal(raw, &doc); err == nil {
			id, hasId := doc.GetId()
			coll, hasColl := doc.Collection()
			if hasId && hasColl {
				key := coll + "\x00" + id.String()
				latestByKey[key] = latestRecord{offset: offset, id: id, collection: coll, tombstone: doc.IsTombstone()}
			}
		}

		scanned++
		inChunk++
		offset += 4 + recLen

		if inChunk >= chunkSize {
			inChunk = 0
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			mb := float64(ms.Alloc) / (1024 * 1024)
			if mb > peakAllocMB {
				peakAllocMB = mb
			}
		}
	}
	stats.PeakMemoryMB = peakAllocMB

	tombstones := 0
	records := make([]latestRecord, 0, len(latestByKey))
	for _, rec := range latestByKey {
		if rec.tombstone {
			tombstones++
			continue
		}
		records = append(records, rec)
	}
	return records, scanned, tombstones, nil
}
