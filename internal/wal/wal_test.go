package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{TxID: 7, Type: FrameOperation, Data: []byte("insert users {\"a\":1}")}
	buf := f.Encode()

	got, n, err := decodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, f.Size(), n)
	require.Equal(t, f.TxID, got.TxID)
	require.Equal(t, f.Type, got.Type)
	require.Equal(t, f.Data, got.Data)
}

func TestFrameDecodeShortBuffer(t *testing.T) {
	f := Frame{TxID: 1, Type: FrameBegin, Data: nil}
	buf := f.Encode()

	_, _, err := decodeFrame(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestFrameDecodeCRCMismatch(t *testing.T) {
	f := Frame{TxID: 3, Type: FrameCommit, Data: []byte("payload")}
	buf := f.Encode()
	buf[13] ^= 0xFF // flip a data byte, leaving the trailing CRC stale

	_, _, err := decodeFrame(buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "CRC mismatch")
}

func TestWALAppendAndRecoverCommittedTransaction(t *testing.T) {
	w, _ := tempWAL(t)

	_, err := w.Append(Frame{TxID: 1, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameOperation, Data: []byte("insert-a")})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameIndexChange, Data: []byte("idx-a")})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameCommit})
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	txs, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, uint64(1), txs[0].TxID)
	require.Len(t, txs[0].Frames, 4)
	require.Equal(t, FrameCommit, txs[0].Frames[3].Type)
}

func TestWALRecoverDiscardsAbortedTransaction(t *testing.T) {
	w, _ := tempWAL(t)

	_, err := w.Append(Frame{TxID: 1, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameOperation, Data: []byte("insert-a")})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameAbort})
	require.NoError(t, err)

	txs, err := w.Recover()
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestWALRecoverDiscardsUncommittedTransaction(t *testing.T) {
	w, _ := tempWAL(t)

	_, err := w.Append(Frame{TxID: 1, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameOperation, Data: []byte("insert-a")})
	require.NoError(t, err)
	// no COMMIT: simulates a crash mid-transaction

	txs, err := w.Recover()
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestWALRecoverHandlesMultipleInterleavedTransactions(t *testing.T) {
	w, _ := tempWAL(t)

	_, err := w.Append(Frame{TxID: 1, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 2, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameOperation, Data: []byte("a")})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 2, Type: FrameOperation, Data: []byte("b")})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameCommit})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 2, Type: FrameAbort})
	require.NoError(t, err)

	txs, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, uint64(1), txs[0].TxID)
}

func TestWALRecoverStopsCleanlyOnTruncatedTail(t *testing.T) {
	w, path := tempWAL(t)

	_, err := w.Append(Frame{TxID: 1, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameCommit})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	// Simulate a crash mid-append of a second transaction's frame: append
	// a well-formed header whose declared length runs past EOF.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	partial := Frame{TxID: 2, Type: FrameBegin, Data: []byte("never finished")}
	full := partial.Encode()
	_, err = f.Write(full[:len(full)-5])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	txs, err := w2.Recover()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, uint64(1), txs[0].TxID)
}

func TestWALRecoverReturnsCorruptionOnBitFlip(t *testing.T) {
	w, path := tempWAL(t)

	_, err := w.Append(Frame{TxID: 1, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameOperation, Data: []byte("insert-a")})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameCommit})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip a byte inside the OPERATION frame's payload, after its header
	data[Frame{TxID: 1, Type: FrameBegin}.Size()+frameHeaderSize+2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	_, err = w2.Recover()
	require.Error(t, err)
	require.Contains(t, err.Error(), "corruption")
}

func TestWALClearTruncatesLog(t *testing.T) {
	w, _ := tempWAL(t)

	_, err := w.Append(Frame{TxID: 1, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 1, Type: FrameCommit})
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	require.NoError(t, w.Clear())

	txs, err := w.Recover()
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestWALCheckpointExcludesGivenTransactions(t *testing.T) {
	w, _ := tempWAL(t)

	for _, txID := range []uint64{1, 2, 3} {
		_, err := w.Append(Frame{TxID: txID, Type: FrameBegin})
		require.NoError(t, err)
		_, err = w.Append(Frame{TxID: txID, Type: FrameOperation, Data: []byte("op")})
		require.NoError(t, err)
		_, err = w.Append(Frame{TxID: txID, Type: FrameCommit})
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())

	require.NoError(t, w.Checkpoint(map[uint64]bool{1: true, 2: true}))

	txs, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, uint64(3), txs[0].TxID)
}

func TestWALCheckpointPreservesUnlistedTransactionsAcrossReopen(t *testing.T) {
	w, path := tempWAL(t)

	_, err := w.Append(Frame{TxID: 5, Type: FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(Frame{TxID: 5, Type: FrameCommit})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Checkpoint(map[uint64]bool{}))
	require.NoError(t, w.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	txs, err := w2.Recover()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, uint64(5), txs[0].TxID)
}
