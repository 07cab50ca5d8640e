package ratelimit

import "strconv"

// headers numéricos sem passar por fmt
func formatInt(v int) string { return strconv.Itoa(v) }
