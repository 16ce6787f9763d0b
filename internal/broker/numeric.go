package broker

import "strconv"

// parseInt/formatInt/parseFloat/formatFloat back the local broker's hash
// counter fields, which are stored as strings the same way Redis stores
// hash values — HINCRBY/HINCRBYFLOAT parse, add, and re-stringify.

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
