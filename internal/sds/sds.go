// Package sds rewrites the connector.sds service-discovery document so
// that clients keep talking to this gateway instead of being handed the
// Konnektor's own, possibly unreachable, TLS endpoints.
package sds

import (
	"fmt"
	"net/url"

	"github.com/beevik/etree"
)

// servicePath locates every Service element under ServiceInformation,
// regardless of the document's XML namespace (etree path segments match
// local tag names, so this is namespace-agnostic).
const servicePath = "//ServiceInformation/Service"

// Rewrite parses body as XML and rewrites the @Location attribute of
// every EndpointTLS element under the PHRService entry (or, when
// proxyAllServices is set, under every service) to point at scheme and
// host while preserving the endpoint's original path. It returns the
// re-serialized document.
func Rewrite(body []byte, scheme, host string, proxyAllServices bool) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parsing connector.sds: %w", err)
	}

	rewritten := false
	for _, service := range doc.FindElements(servicePath) {
		if !proxyAllServices && service.SelectAttrValue("Name", "") != "PHRService" {
			continue
		}
		for _, endpoint := range service.FindElements(".//EndpointTLS") {
			if err := rewriteLocation(endpoint, scheme, host); err != nil {
				return nil, err
			}
			rewritten = true
		}
	}

	if !rewritten {
		return nil, fmt.Errorf("connector.sds: no matching EndpointTLS element found")
	}

	return doc.WriteToBytes()
}

// rewriteLocation replaces endpoint's Location attribute's scheme and
// host, keeping its original path intact.
func rewriteLocation(endpoint *etree.Element, scheme, host string) error {
	attr := endpoint.SelectAttr("Location")
	if attr == nil {
		return fmt.Errorf("EndpointTLS element has no Location attribute")
	}

	parsed, err := url.Parse(attr.Value)
	if err != nil {
		return fmt.Errorf("parsing EndpointTLS Location %q: %w", attr.Value, err)
	}

	parsed.Scheme = scheme
	parsed.Host = host
	attr.Value = parsed.String()
	return nil
}
