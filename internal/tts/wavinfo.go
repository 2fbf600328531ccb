package tts

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-audio/wav"
)

// localWAVPath returns the filesystem path behind a file URL or bare path
// pointing at a .wav file.
func localWAVPath(audioURL string) (string, bool) {
	path := audioURL
	if strings.Contains(audioURL, "://") {
		u, err := url.Parse(audioURL)
		if err != nil || u.Scheme != "file" {
			return "", false
		}
		path = u.Path
	}
	if !strings.EqualFold(strings.TrimSpace(pathExt(path)), ".wav") {
		return "", false
	}
	return path, true
}

func pathExt(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 && !strings.ContainsRune(p[i:], '/') {
		return p[i:]
	}
	return ""
}

// wavDurationMS reads the header of a local WAV file.
func wavDurationMS(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("read wav duration: %w", err)
	}
	return int(d.Milliseconds()), nil
}
