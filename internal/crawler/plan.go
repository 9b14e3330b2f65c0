package crawler

import "strings"

// Flatten expands records into (record id, raw url) pairs in input order.
func Flatten(records []Record) []Reference {
	var refs []Reference
	for _, rec := range records {
		for _, raw := range rec.URLs {
			refs = append(refs, Reference{RecordID: rec.RecordID, RawURL: raw})
		}
	}
	return refs
}

// Plan collapses references into one Target per canonical URL, keeping
// first-seen order and the full set of citing record ids. URLs that fail to
// normalize become their own Target carrying the error, keyed by the trimmed
// raw string so the failure can still be recorded.
func Plan(refs []Reference) []Target {
	index := make(map[string]int)
	var targets []Target
	for _, ref := range refs {
		raw := strings.TrimSpace(ref.RawURL)
		if raw == "" {
			continue
		}
		key, err := Normalize(raw)
		if err != nil {
			key = raw
		}
		i, ok := index[key]
		if !ok {
			i = len(targets)
			index[key] = i
			targets = append(targets, Target{Canonical: key, RawURL: ref.RawURL, Err: err})
		}
		targets[i].RecordIDs = appendUnique(targets[i].RecordIDs, ref.RecordID)
	}
	return targets
}

func appendUnique(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
