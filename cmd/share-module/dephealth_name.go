package main

import "strings"

// parseOwnerName извлекает имя владельца пода из hostname:
// Deployment "{name}-{template-hash}-{suffix}" → name,
// StatefulSet "{name}-{ordinal}" → name, иначе hostname без изменений.
func parseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)

	if n >= 3 && isPodSuffix(parts[n-1]) && isTemplateHash(parts[n-2]) {
		return strings.Join(parts[:n-2], "-")
	}
	if n >= 2 && isDigits(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}
	return hostname
}

// isPodSuffix — случайный суффикс пода ReplicaSet (5 символов).
func isPodSuffix(s string) bool {
	return len(s) == 5 && isAlnumLower(s)
}

// isTemplateHash — pod-template-hash ReplicaSet (9-10 символов).
func isTemplateHash(s string) bool {
	return (len(s) == 9 || len(s) == 10) && isAlnumLower(s)
}

func isAlnumLower(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return s != ""
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
