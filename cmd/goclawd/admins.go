package main

import (
	"os"
	"strings"
)

// loadIsAdmin reads the namespace's admins file (spec §8: root-owned,
// newline-delimited user ids; a missing or empty file means every user is
// admin) and returns a predicate the task runner and deferred processor
// use to decide workspace-sandbox scope and subtask-file eligibility.
func loadIsAdmin(path string) func(string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return func(string) bool { return true }
	}

	admins := make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		admins[line] = struct{}{}
	}
	if len(admins) == 0 {
		return func(string) bool { return true }
	}
	return func(userID string) bool {
		_, ok := admins[userID]
		return ok
	}
}
