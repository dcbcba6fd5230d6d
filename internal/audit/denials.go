package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/zach-source/vaultagent/internal/policy"
)

// DenialEvent aggregates denied events for one process and action.
type DenialEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	PID       int       `json:"pid"`
	Path      string    `json:"path"`
	Action    string    `json:"action"`
	Count     int       `json:"count"`
}

// ScanRecentDenials reads the audit logs in dir and returns denials newer
// than now-since, most frequent first.
func ScanRecentDenials(dir string, since time.Duration, now time.Time) ([]DenialEvent, error) {
	logFiles, err := ListLogFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list log files: %w", err)
	}

	denials := make(map[string]*DenialEvent)
	cutoff := now.Add(-since)
	for _, logFile := range logFiles {
		// unreadable files are skipped
		_ = scanFile(logFile, cutoff, denials)
	}

	result := make([]DenialEvent, 0, len(denials))
	for _, d := range denials {
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

func scanFile(path string, cutoff time.Time, denials map[string]*DenialEvent) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Decision != DecisionDeny || event.Timestamp.Before(cutoff) {
			continue
		}

		key := event.PeerInfo.Path + "|" + event.Action
		if existing, ok := denials[key]; ok {
			existing.Count++
			if event.Timestamp.After(existing.Timestamp) {
				existing.Timestamp = event.Timestamp
				existing.PID = event.PeerInfo.PID
			}
			continue
		}
		denials[key] = &DenialEvent{
			Timestamp: event.Timestamp,
			Event:     event.Event,
			PID:       event.PeerInfo.PID,
			Path:      event.PeerInfo.Path,
			Action:    event.Action,
			Count:     1,
		}
	}
	return scanner.Err()
}

// SuggestAllowPatterns lists policy actions that would allow the denied
// action, narrowest first.
func SuggestAllowPatterns(action string) []string {
	suggestions := []string{}
	if action != "" {
		suggestions = append(suggestions, action)
	}
	if prefix, _, ok := strings.Cut(action, ":"); ok {
		suggestions = append(suggestions, prefix+":*")
	}
	return append(suggestions, "*")
}

// RuleFromDenial creates a policy rule that would allow the denied access
func RuleFromDenial(denial DenialEvent, pattern string) policy.Rule {
	return policy.Rule{
		Path:    denial.Path,
		Actions: []string{pattern},
	}
}

// AddRule appends rule to the policy at path and saves it. The first rule
// added to an allow-all policy turns on default deny so the rule matters.
func AddRule(path string, rule policy.Rule) error {
	pol, path, err := policy.Load(path)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	pol.Allow = append(pol.Allow, rule)
	if len(pol.Allow) == 1 && !pol.DefaultDeny {
		pol.DefaultDeny = true
	}
	return policy.Save(path, pol)
}

// FormatDenial formats a denial event for user display
func FormatDenial(i int, denial DenialEvent) string {
	return fmt.Sprintf("[%d] Process: %s\n    Action: %s (%s)\n    Denied: %d times, Last: %s\n",
		i+1,
		denial.Path,
		denial.Action,
		denial.Event,
		denial.Count,
		denial.Timestamp.Format("2006-01-02 15:04:05"))
}
