package shell

// Tail returns the last n bytes of text.
func Tail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}

// TrimWithCap keeps at most max bytes from the end of text.
func TrimWithCap(text string, max int) string {
	return Tail(text, max)
}

// capPendingBuffer drops the oldest chunks until the buffer holds at most
// limit bytes and returns the new size.
func capPendingBuffer(buffer *[]string, size, limit int) int {
	if size <= limit {
		return size
	}
	chunks := *buffer
	if n := len(chunks); n > 0 && len(chunks[n-1]) >= limit {
		*buffer = []string{Tail(chunks[n-1], limit)}
		return limit
	}
	for len(chunks) > 0 && size-len(chunks[0]) >= limit {
		size -= len(chunks[0])
		chunks = chunks[1:]
	}
	if len(chunks) > 0 && size > limit {
		overflow := size - limit
		chunks[0] = chunks[0][overflow:]
		size = limit
	}
	*buffer = chunks
	return size
}
