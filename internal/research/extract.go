package research

import (
	"regexp"
	"strings"
)

var (
	techniqueRe = regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`)
	cveRe       = regexp.MustCompile(`\bCVE-\d{4}-\d{4,}\b`)
)

// ExtractTechniques returns the unique MITRE ATT&CK technique ids found in
// text, in first-seen order. limit > 0 caps the result.
func ExtractTechniques(text string, limit int) []string {
	return uniqueMatches(techniqueRe, text, limit)
}

// ExtractCVEs returns the unique CVE ids found in text, in first-seen order.
func ExtractCVEs(text string) []string {
	return uniqueMatches(cveRe, strings.ToUpper(text), 0)
}

func uniqueMatches(re *regexp.Regexp, text string, limit int) []string {
	matches := re.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	return unionStrings(nil, matches, limit)
}

// frameworkMarkers maps a framework tag to the lower-case substrings that
// imply it.
var frameworkMarkers = []struct {
	tag     string
	markers []string
}{
	{"mitre_attack", []string{"mitre", "att&ck", "attack.mitre.org"}},
	{"nist", []string{"nist", "800-53", "800-61"}},
	{"owasp", []string{"owasp"}},
	{"cis", []string{"cis control", "cis benchmark"}},
}

// ExtractFrameworks returns the security frameworks referenced in text.
func ExtractFrameworks(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, f := range frameworkMarkers {
		for _, m := range f.markers {
			if strings.Contains(lower, m) {
				out = append(out, f.tag)
				break
			}
		}
	}
	return out
}

// tagKeywords buckets document text into ATT&CK tactic tags. Order is fixed
// so extraction is deterministic.
var tagKeywords = []struct {
	tag      string
	keywords []string
}{
	{"execution", []string{"command execution", "powershell", "command line", "scripting"}},
	{"persistence", []string{"persistence", "autorun", "startup", "scheduled task", "registry run"}},
	{"privilege_escalation", []string{"privilege escalation", "elevation", "uac bypass", "setuid"}},
	{"defense_evasion", []string{"defense evasion", "obfuscation", "masquerading", "disable logging"}},
	{"credential_access", []string{"credential", "password dump", "kerberos", "hash extraction"}},
	{"discovery", []string{"discovery", "enumeration", "reconnaissance"}},
	{"lateral_movement", []string{"lateral movement", "remote desktop", "psexec", "smb session"}},
	{"collection", []string{"data collection", "staging", "screen capture", "keylogging"}},
	{"exfiltration", []string{"exfiltration", "data transfer", "command and control", "c2 channel"}},
	{"impact", []string{"ransomware", "data destruction", "denial of service", "defacement"}},
}

// ExtractTags returns the tactic tags whose keywords appear in text.
func ExtractTags(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, t := range tagKeywords {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, t.tag)
				break
			}
		}
	}
	return out
}
