package gateway

import "strconv"

func portString(port int) string {
	return strconv.Itoa(port)
}
