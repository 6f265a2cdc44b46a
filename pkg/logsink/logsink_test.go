package logsink

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefpack/chefd/pkg/clock"
	"github.com/chefpack/chefd/pkg/txn"
)

func newTestSink(capacity int) (*Sink, *clock.Frozen) {
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(clk, capacity), clk
}

func TestAppendAndEntries(t *testing.T) {
	s, clk := newTestSink(10)

	s.Append(1, txn.LevelInfo, txn.StateDownload, "download: resolving acme/foo")
	clk.Advance(time.Second)
	s.Append(1, txn.LevelError, txn.StateVerify, "verify: rejected")

	entries := s.Entries(1)
	require.Len(t, entries, 2)
	assert.Equal(t, txn.LevelInfo, entries[0].Level)
	assert.Equal(t, txn.StateDownload, entries[0].State)
	assert.Equal(t, txn.LevelError, entries[1].Level)
	assert.True(t, entries[1].Timestamp.After(entries[0].Timestamp))

	assert.Nil(t, s.Entries(2))
}

func TestMessageTruncation(t *testing.T) {
	s, _ := newTestSink(10)

	long := strings.Repeat("x", txn.MaxLogMessageBytes+100)
	s.Append(1, txn.LevelInfo, txn.StatePrecheck, long)

	entries := s.Entries(1)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Message, txn.MaxLogMessageBytes)
}

func TestEvictionMarker(t *testing.T) {
	s, _ := newTestSink(3)

	s.Append(1, txn.LevelInfo, txn.StatePrecheck, "one")
	s.Append(1, txn.LevelInfo, txn.StatePrecheck, "two")
	s.Append(1, txn.LevelInfo, txn.StatePrecheck, "three")
	s.Append(1, txn.LevelInfo, txn.StatePrecheck, "four")

	entries := s.Entries(1)
	require.Len(t, entries, 3)
	// Oldest entry evicted, marker synthesized once in its place.
	assert.Contains(t, entries[0].Message, "evicted")
	assert.Equal(t, txn.LevelWarn, entries[0].Level)
	assert.Equal(t, "three", entries[1].Message)
	assert.Equal(t, "four", entries[2].Message)

	s.Append(1, txn.LevelInfo, txn.StatePrecheck, "five")
	entries = s.Entries(1)
	require.Len(t, entries, 3)
	// The marker is not re-synthesized on further evictions.
	assert.Equal(t, "three", entries[0].Message)
}

func TestDrop(t *testing.T) {
	s, _ := newTestSink(10)
	s.Append(1, txn.LevelInfo, txn.StatePrecheck, "one")
	s.Drop(1)
	assert.Nil(t, s.Entries(1))
}

func TestLoadSeedsBuffer(t *testing.T) {
	s, _ := newTestSink(2)

	persisted := []txn.LogEntry{
		{Level: txn.LevelInfo, Message: "one"},
		{Level: txn.LevelInfo, Message: "two"},
		{Level: txn.LevelInfo, Message: "three"},
	}
	s.Load(7, persisted)

	entries := s.Entries(7)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, "three", entries[1].Message)
}
