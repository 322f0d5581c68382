// Package uadetect backs the request.useragent_os / request.useragent_browser
// properties with a ua-parser/uap-go regex-database parser.
package uadetect

import "github.com/ua-parser/uap-go/uaparser"

// Detector wraps a ua-parser regex database. A nil *Detector or one loaded
// with no regex file answers every Parse call as not-found rather than
// failing the request — user-agent detection is a convenience property, not
// a load-bearing one.
type Detector struct {
	parser *uaparser.Parser
}

// Load reads the ua-parser regex database (the "regexes.yaml" file the
// upstream project ships) from regexesPath. An empty path yields a Detector
// that always reports not-found, so deployments that don't care about
// useragent_os/useragent_browser need not supply one.
func Load(regexesPath string) (*Detector, error) {
	if regexesPath == "" {
		return &Detector{}, nil
	}
	p, err := uaparser.New(regexesPath)
	if err != nil {
		return nil, err
	}
	return &Detector{parser: p}, nil
}

// Result is the subset of ua-parser's Client the property resolver exposes.
type Result struct {
	OSFamily       string
	BrowserFamily  string
	BrowserVersion string
}

// Parse classifies a raw User-Agent header value. ok is false when the
// detector has no regex database loaded or userAgent is empty.
func (d *Detector) Parse(userAgent string) (Result, bool) {
	if d == nil || d.parser == nil || userAgent == "" {
		return Result{}, false
	}
	client := d.parser.Parse(userAgent)
	return Result{
		OSFamily:       client.Os.Family,
		BrowserFamily:  client.UserAgent.Family,
		BrowserVersion: client.UserAgent.Major,
	}, true
}
