package inventory

import (
	"bufio"
	"io"
	"strings"

	"github.com/gwdatafind/datafind-server/pkg/errors"
)

// AccessList is the ordered set of subjects allowed to query the server.
// It is immutable once returned by ParseAccessList.
type AccessList struct {
	subjects   []string
	identities map[string]string
}

// Subjects returns the subjects in file order.
func (a *AccessList) Subjects() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.subjects))
	copy(out, a.subjects)
	return out
}

// Contains reports whether subject is listed.
func (a *AccessList) Contains(subject string) bool {
	if a == nil {
		return false
	}
	_, ok := a.identities[subject]
	return ok
}

// Identity returns the local identity mapped to subject, if any.
func (a *AccessList) Identity(subject string) (string, bool) {
	if a == nil {
		return "", false
	}
	id, ok := a.identities[subject]
	return id, ok
}

// Len returns the number of subjects.
func (a *AccessList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.subjects)
}

// ParseAccessLine reads one access-list entry:
//
//	"/DC=org/DC=example/CN=Some Person" some.person
//
// Unquoted lines use the first whitespace-separated field as the subject.
func ParseAccessLine(raw string) (subject, identity string, err error) {
	line := strings.TrimSpace(raw)
	if strings.HasPrefix(line, `"`) {
		end := strings.Index(line[1:], `"`)
		if end < 0 {
			return "", "", &LineError{Reason: ReasonFieldCount, Detail: "unterminated quoted subject"}
		}
		subject = line[1 : end+1]
		identity = strings.TrimSpace(line[end+2:])
	} else {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return "", "", &LineError{Reason: ReasonFieldCount, Detail: "empty entry"}
		}
		subject = fields[0]
		if len(fields) > 1 {
			identity = strings.Join(fields[1:], " ")
		}
	}
	if subject == "" {
		return "", "", &LineError{Reason: ReasonEmptyFields, Detail: "subject"}
	}
	return subject, identity, nil
}

// ParseAccessList reads every entry of r. Malformed lines are skipped and
// reported in Stats; duplicates keep their first position.
func ParseAccessList(r io.Reader) (*AccessList, Stats, error) {
	var stats Stats
	list := &AccessList{identities: make(map[string]string)}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		stats.Lines++

		subject, identity, err := ParseAccessLine(text)
		if err != nil {
			stats.malformed(lineNo, err)
			continue
		}
		if _, dup := list.identities[subject]; dup {
			continue
		}
		list.subjects = append(list.subjects, subject)
		list.identities[subject] = identity
	}
	if err := sc.Err(); err != nil {
		return nil, stats, errors.Wrap(errors.ErrCodeRefreshIO, err, "reading access list").
			WithComponent("accesslist").
			WithDetail("line", lineNo)
	}

	stats.Records = len(list.subjects)
	return list, stats, nil
}
