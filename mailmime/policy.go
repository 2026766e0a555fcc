package mailmime

import (
	"strings"
)

// Verdict is the outcome of evaluating one part's attachment policy, per
// §4.5.
type Verdict string

const (
	Allow      Verdict = "allow"
	Quarantine Verdict = "quarantine"
	Reject     Verdict = "reject"
)

var executableExtensions = map[string]bool{
	".exe": true, ".js": true, ".vbs": true, ".bat": true, ".cmd": true, ".scr": true,
}

var lureExtensions = map[string]bool{
	"pdf": true, "doc": true, "jpg": true,
}

var mimeAllowList = []string{"image/", "application/pdf", "text/plain"}

// EvaluatePart applies §4.5's attachment policy to a single part, using its
// Content-Disposition filename and Content-Type.
func EvaluatePart(p Part) Verdict {
	filename := dispositionFilename(p.Get("Content-Disposition"))
	if filename == "" {
		filename = contentTypeFilename(p.Get("Content-Type"))
	}
	if filename != "" {
		ext := strings.ToLower(extensionOf(filename))
		if executableExtensions[ext] {
			return Reject
		}
		if hasDoubleExtensionLure(filename) {
			return Reject
		}
	}
	ct, _ := p.ContentType()
	if isPasswordProtectedArchive(p) {
		return Quarantine
	}
	if ct != "" && !mimeAllowed(ct) {
		return Quarantine
	}
	return Allow
}

func extensionOf(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		return filename[i:]
	}
	return ""
}

// hasDoubleExtensionLure reports a filename like "invoice.pdf.exe": an
// inner lure extension (pdf/doc/jpg) followed by another extension, per
// §4.5.
func hasDoubleExtensionLure(filename string) bool {
	parts := strings.Split(filename, ".")
	if len(parts) < 3 {
		return false
	}
	inner := strings.ToLower(parts[len(parts)-2])
	return lureExtensions[inner]
}

func mimeAllowed(ct string) bool {
	for _, allowed := range mimeAllowList {
		if strings.HasSuffix(allowed, "/") {
			if strings.HasPrefix(ct, allowed) {
				return true
			}
		} else if ct == allowed {
			return true
		}
	}
	return false
}

// isPasswordProtectedArchive recognizes the common zip/rar/7z content
// types together with a name hinting at encryption; actual archive
// decryption detection is out of scope, this is a declared-type heuristic.
func isPasswordProtectedArchive(p Part) bool {
	ct, params := p.ContentType()
	archiveTypes := map[string]bool{
		"application/zip": true, "application/x-rar-compressed": true, "application/x-7z-compressed": true,
	}
	if !archiveTypes[ct] {
		return false
	}
	_, encrypted := params["encrypted"]
	return encrypted
}

// dispositionFilename extracts filename= from a Content-Disposition value.
func dispositionFilename(value string) string {
	_, params := parseContentType(value)
	return params["filename"]
}

// contentTypeFilename extracts name= from a Content-Type value, the
// fallback location some senders use instead of Content-Disposition.
func contentTypeFilename(value string) string {
	_, params := parseContentType(value)
	return params["name"]
}
