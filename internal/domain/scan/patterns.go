package scan

import "regexp"

// ThreatType identifies a detection family. The value is the token that
// appears in block reasons, journal entries, and metrics labels.
type ThreatType string

const (
	ThreatSQLInjection       ThreatType = "SQL_INJECTION"
	ThreatCommandInjection   ThreatType = "COMMAND_INJECTION"
	ThreatXXE                ThreatType = "XXE"
	ThreatXSS                ThreatType = "XSS"
	ThreatPathTraversal      ThreatType = "PATH_TRAVERSAL"
	ThreatLDAPInjection      ThreatType = "LDAP_INJECTION"
	ThreatNoSQLInjection     ThreatType = "NOSQL_INJECTION"
	ThreatPrototypePollution ThreatType = "PROTOTYPE_POLLUTION"
	ThreatInternalURL        ThreatType = "SSRF"
	ThreatScannerUserAgent   ThreatType = "SCANNER_USER_AGENT"
	ThreatSizeViolation      ThreatType = "SIZE_VIOLATION"
)

// pattern is one named signature within a family.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// family groups the signatures that share a threat type and severity.
// Within one scanned location at most one threat is reported per family;
// the first matching pattern names it.
type family struct {
	typ      ThreatType
	severity int
	patterns []pattern
}

var sqlInjection = family{
	typ:      ThreatSQLInjection,
	severity: 9,
	patterns: []pattern{
		{"union-select", regexp.MustCompile(`(?i)\bunion\b[\s/*]+(?:all[\s/*]+)?select\b`)},
		{"boolean-tautology", regexp.MustCompile(`(?i)\b(?:or|and)\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+`)},
		{"quoted-tautology", regexp.MustCompile(`(?i)['"]\s*(?:or|and)\s+['"][^'"]*['"]\s*=`)},
		{"stacked-query", regexp.MustCompile(`(?i);\s*(?:drop|delete|truncate|alter|insert|update)\b`)},
		{"comment-terminator", regexp.MustCompile(`(?i)['"]\s*(?:--|#|/\*)`)},
		{"time-probe", regexp.MustCompile(`(?i)(?:\b(?:sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b)`)},
		{"schema-probe", regexp.MustCompile(`(?i)\binformation_schema\b`)},
	},
}

var commandInjection = family{
	typ:      ThreatCommandInjection,
	severity: 10,
	patterns: []pattern{
		// Single & is excluded: it separates ordinary query parameters.
		{"command-chain", regexp.MustCompile(`(?i)(?:;|\|\||&&|\|)\s*(?:cat|rm|wget|curl|bash|sh|powershell|whoami|nc)\b`)},
		{"command-substitution", regexp.MustCompile("\\$\\([^)]+\\)|`[^`]+`")},
		{"recursive-delete", regexp.MustCompile(`(?i)\brm\s+-[a-z]*[rf]`)},
		{"pipe-to-shell", regexp.MustCompile(`(?i)\|\s*(?:ba|z|da)?sh\b`)},
		{"system-file-read", regexp.MustCompile(`(?i)/etc/(?:passwd|shadow)\b`)},
	},
}

var xxe = family{
	typ:      ThreatXXE,
	severity: 8,
	patterns: []pattern{
		{"external-entity", regexp.MustCompile(`(?i)<!entity[^>]*\bsystem\b`)},
		{"doctype-internal-subset", regexp.MustCompile(`(?i)<!doctype[^>]*\[`)},
		{"entity-declaration", regexp.MustCompile(`(?i)<!entity\s`)},
	},
}

var xss = family{
	typ:      ThreatXSS,
	severity: 7,
	patterns: []pattern{
		{"script-tag", regexp.MustCompile(`(?i)<\s*script\b`)},
		{"javascript-uri", regexp.MustCompile(`(?i)javascript\s*:`)},
		{"event-handler", regexp.MustCompile(`(?i)\bon(?:error|load|click|mouseover|focus|submit|pointerover)\s*=`)},
		{"active-embed", regexp.MustCompile(`(?i)<\s*(?:iframe|object|embed)\b`)},
		{"data-uri-html", regexp.MustCompile(`(?i)data\s*:\s*text/html`)},
	},
}

// pathTraversal is applied to the request path as received on the wire,
// before any decoding, so percent-encoded variants are still visible.
var pathTraversal = family{
	typ:      ThreatPathTraversal,
	severity: 8,
	patterns: []pattern{
		{"dot-dot", regexp.MustCompile(`\.\./|\.\.\\`)},
		{"encoded-dot-dot", regexp.MustCompile(`(?i)(?:%2e|\.){2}(?:%2f|%5c|/|\\)`)},
		{"double-encoded", regexp.MustCompile(`(?i)%252e|%252f|%255c`)},
		{"null-byte", regexp.MustCompile(`(?i)%00|\x00`)},
		{"crlf-encoded", regexp.MustCompile(`(?i)%0d|%0a`)},
	},
}

// payloadTraversal is the traversal subset safe for query strings and
// bodies, where encoded newlines occur legitimately in form data.
var payloadTraversal = family{
	typ:      ThreatPathTraversal,
	severity: 8,
	patterns: []pattern{
		{"dot-dot", regexp.MustCompile(`\.\./|\.\.\\`)},
		{"encoded-dot-dot", regexp.MustCompile(`(?i)(?:%2e|\.){2}(?:%2f|%5c|/|\\)`)},
		{"double-encoded", regexp.MustCompile(`(?i)%252e|%252f|%255c`)},
		{"null-byte", regexp.MustCompile(`(?i)%00|\x00`)},
	},
}

var ldapInjection = family{
	typ:      ThreatLDAPInjection,
	severity: 6,
	patterns: []pattern{
		{"filter-concat", regexp.MustCompile(`\(\s*[|&!]\s*\(`)},
		{"wildcard-filter", regexp.MustCompile(`\*\s*\)\s*\(`)},
	},
}

var nosqlInjection = family{
	typ:      ThreatNoSQLInjection,
	severity: 7,
	patterns: []pattern{
		{"mongo-operator", regexp.MustCompile(`(?i)\$(?:where|ne|gt|gte|lt|lte|regex|nin|elemMatch|exists)\b`)},
	},
}

var prototypePollution = family{
	typ:      ThreatPrototypePollution,
	severity: 7,
	patterns: []pattern{
		{"proto-key", regexp.MustCompile(`(?i)__proto__|constructor\s*[.\[]\s*["']?prototype|prototype\s*\[`)},
	},
}

var internalURL = family{
	typ:      ThreatInternalURL,
	severity: 8,
	patterns: []pattern{
		{"internal-scheme", regexp.MustCompile(`(?i)\b(?:file|gopher|dict)://`)},
		{"metadata-endpoint", regexp.MustCompile(`(?i)169\.254\.169\.254|metadata\.google\.internal`)},
		{"loopback-url", regexp.MustCompile(`(?i)\bhttps?://(?:127\.0\.0\.1|localhost|0\.0\.0\.0|\[::1\])`)},
	},
}

// pathFamilies are applied to the undecoded request path.
var pathFamilies = []family{pathTraversal}

// headerFamilies are applied to every header value.
var headerFamilies = []family{xss, sqlInjection}

// payloadFamilies are applied to the query string and the captured body.
// LDAP injection is appended at scanner construction when enabled.
var payloadFamilies = []family{
	sqlInjection,
	commandInjection,
	xxe,
	xss,
	payloadTraversal,
	nosqlInjection,
	prototypePollution,
	internalURL,
}

// scannerProducts are lowercase substrings that identify well-known
// attack and reconnaissance tools by their User-Agent.
var scannerProducts = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"acunetix",
	"nessus",
	"metasploit",
	"burp",
	"dirbuster",
	"gobuster",
	"wfuzz",
	"hydra",
	"havij",
	"w3af",
	"zgrab",
}
