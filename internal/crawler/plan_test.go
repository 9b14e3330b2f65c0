package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlatten(t *testing.T) {
	t.Parallel()

	refs := Flatten([]Record{
		{RecordID: "CVE-1", URLs: []string{"a", "b"}},
		{RecordID: "CVE-2"},
		{RecordID: "CVE-3", URLs: []string{"c"}},
	})
	require.Equal(t, []Reference{
		{RecordID: "CVE-1", RawURL: "a"},
		{RecordID: "CVE-1", RawURL: "b"},
		{RecordID: "CVE-3", RawURL: "c"},
	}, refs)
}

func TestPlanDeduplicatesByCanonicalURL(t *testing.T) {
	t.Parallel()

	targets := Plan([]Reference{
		{RecordID: "CVE-1", RawURL: "https://example.com/a/"},
		{RecordID: "CVE-2", RawURL: "https://https://EXAMPLE.com/a"},
		{RecordID: "CVE-1", RawURL: "https://example.com/a"},
		{RecordID: "CVE-3", RawURL: "example.com/b"},
		{RecordID: "CVE-3", RawURL: "   "},
	})
	require.Len(t, targets, 2)

	require.Equal(t, "https://example.com/a", targets[0].Canonical)
	require.Equal(t, "https://example.com/a/", targets[0].RawURL)
	require.Equal(t, []string{"CVE-1", "CVE-2"}, targets[0].RecordIDs)
	require.NoError(t, targets[0].Err)

	require.Equal(t, "http://example.com/b", targets[1].Canonical)
	require.Equal(t, []string{"CVE-3"}, targets[1].RecordIDs)
}

func TestPlanKeepsMalformedTargets(t *testing.T) {
	t.Parallel()

	targets := Plan([]Reference{
		{RecordID: "CVE-1", RawURL: "ftp://example.com/x"},
		{RecordID: "CVE-2", RawURL: " ftp://example.com/x "},
	})
	require.Len(t, targets, 1)
	require.Equal(t, "ftp://example.com/x", targets[0].Canonical)
	require.ErrorIs(t, targets[0].Err, ErrMalformedURL)
	require.Equal(t, []string{"CVE-1", "CVE-2"}, targets[0].RecordIDs)
}
