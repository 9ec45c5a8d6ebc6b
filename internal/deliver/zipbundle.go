package deliver

import (
	"archive/zip"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ZipEntry is one rendered document destined for the archive.
type ZipEntry struct {
	// Participant fills the user slot of the file name, the item value
	// fills the second slot.
	Participant string
	ItemValue   string
	HTML        string
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// WriteZip streams one HTML file per entry into a ZIP archive. The Moodle
// layout nests each file under a per-participant folder so the archive can
// be uploaded as feedback files.
func WriteZip(w io.Writer, entries []ZipEntry, moodleLayout bool) error {
	archive := zip.NewWriter(w)
	seen := make(map[string]int)
	for _, entry := range entries {
		name := entryFileName(entry, moodleLayout)
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("%s_%d%s",
				strings.TrimSuffix(name, ".html"), n, ".html")
		}
		seen[entryFileName(entry, moodleLayout)]++
		file, err := archive.Create(name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDelivery, err)
		}
		if _, err := io.WriteString(file, entry.HTML); err != nil {
			return fmt.Errorf("%w: %v", ErrDelivery, err)
		}
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}

func entryFileName(entry ZipEntry, moodleLayout bool) string {
	participant := sanitizeFileName(entry.Participant)
	item := sanitizeFileName(entry.ItemValue)
	if moodleLayout {
		return fmt.Sprintf("%s/%s_feedback.html", participant, item)
	}
	if item == "" {
		return participant + ".html"
	}
	return fmt.Sprintf("%s_%s.html", participant, item)
}

func sanitizeFileName(name string) string {
	cleaned := unsafeFileChars.ReplaceAllString(name, "_")
	return strings.Trim(cleaned, " .")
}
