package kvstore

import "strconv"

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseScore(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
