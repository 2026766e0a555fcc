package retryworker

import "strings"

func splitRecipients(to string) []string {
	if to == "" {
		return nil
	}
	return strings.Split(to, ",")
}

func addrLocalpart(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr
	}
	return addr[:i]
}
