package model

import (
	"fmt"
	"strings"
	"time"
)

// CurrentIDVersion tags identifiers produced by MakeID.
const CurrentIDVersion = "v3"

const idSep = "|"

// labelEscaper backslash-escapes the separator inside labels.
var labelEscaper = strings.NewReplacer(`\`, `\\`, idSep, `\`+idSep)

// MakeID derives the stable session identifier from its labels and calendar
// position. Two independently fetched copies of a session share an ID, and
// distinct labels never do.
func MakeID(course, activity, dayKey, startTime string) string {
	return strings.Join([]string{
		CurrentIDVersion,
		labelEscaper.Replace(course),
		labelEscaper.Replace(activity),
		dayKey,
		startTime,
	}, idSep)
}

// IDVersion reports the identifier scheme of id. Unprefixed identifiers
// predate versioning and are reported as "v1".
func IDVersion(id string) string {
	prefix, _, ok := strings.Cut(id, idSep)
	if ok && len(prefix) >= 2 && prefix[0] == 'v' && isDigits(prefix[1:]) {
		return prefix
	}
	return "v1"
}

// idMigrations upgrades a stored session record of an older identifier
// version. Each migration recovers what the old identifier encoded; the
// current ID is then re-derived from the record.
var idMigrations = map[string]func(SessionDoc) (SessionDoc, error){
	"v1": migrateV1,
	"v2": migrateV2,
}

// migrateID brings doc up to CurrentIDVersion.
func migrateID(doc SessionDoc) (SessionDoc, error) {
	version := IDVersion(doc.ID)
	if version == CurrentIDVersion {
		return doc, nil
	}
	m, ok := idMigrations[version]
	if !ok {
		return doc, fmt.Errorf("unknown session id version %q", version)
	}
	return m(doc)
}

// migrateV1 handles "course|activity|day|HH:MM" and free-form identifiers.
// Only labels missing from the record are recovered.
func migrateV1(doc SessionDoc) (SessionDoc, error) {
	parts := strings.Split(doc.ID, idSep)
	if len(parts) == 4 {
		if doc.Course == "" {
			doc.Course = parts[0]
		}
		if doc.Activity == "" {
			doc.Activity = parts[1]
		}
	}
	return doc, nil
}

// migrateV2 handles "v2|course|activity|<RFC3339 start>".
func migrateV2(doc SessionDoc) (SessionDoc, error) {
	parts := strings.Split(doc.ID, idSep)
	if len(parts) < 4 {
		return doc, fmt.Errorf("malformed v2 session id %q", doc.ID)
	}
	if doc.Course == "" {
		doc.Course = parts[1]
	}
	if doc.Activity == "" {
		doc.Activity = strings.Join(parts[2:len(parts)-1], idSep)
	}
	if doc.StartDate.IsZero() {
		start, err := time.Parse(time.RFC3339, parts[len(parts)-1])
		if err != nil {
			return doc, fmt.Errorf("v2 session id start: %w", err)
		}
		doc.StartDate = Timestamp{Time: start}
	}
	return doc, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
