package mimexop

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/beevik/etree"

	"github.com/jnd-labs/avgate/internal/config"
	"github.com/jnd-labs/avgate/internal/logging"
	"github.com/jnd-labs/avgate/internal/replacement"
	"github.com/jnd-labs/avgate/internal/scanner"
)

// eicarSignature is the literal marker this component self-checks for
// after a clean verdict and again before returning any rewritten body.
const eicarSignature = "$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*"

var (
	pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	pdfMagic = []byte{0x25, 0x50, 0x44, 0x46}
)

const (
	statusPartialSuccess = "urn:ihe:iti:2007:ResponseStatusType:PartialSuccess"
	statusFailure        = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Failure"

	errorSeverity = "urn:oasis:names:tc:ebxml-regrep:ErrorSeverityType:Error"
)

// EICARFoundError means the rewritten output still contains the EICAR
// test signature after mutation -- the request is failed outright
// rather than forwarded, since this indicates the scan/mutation pass
// itself is broken.
type EICARFoundError struct{}

func (e *EICARFoundError) Error() string {
	return "mimexop: EICAR signature present in rewritten output, refusing to forward"
}

// DocumentRef is the per-document aggregate built while indexing the
// SOAP part's RetrieveDocumentSetResponse.
type DocumentRef struct {
	Element   *etree.Element
	UniqueID  string
	MimeType  string
	ContentID string
}

// Rewrite inspects an upstream response for a multipart RetrieveDocumentSetResponse,
// scans every attachment, and mutates infected ones according to policy.
// It returns the original body unchanged (changed=false) whenever the
// content type isn't multipart, the expected SOAP structure is absent,
// or no attachment is infected.
func Rewrite(ctx context.Context, contentType string, body []byte, sc scanner.Scanner, store *replacement.Store, policy config.GlobalPolicy) ([]byte, bool, error) {
	if !isMultipart(contentType) {
		return body, false, nil
	}

	msg, err := ParseMessage(contentType, body)
	if err != nil {
		return nil, false, err
	}
	if len(msg.Parts) == 0 {
		return body, false, nil
	}
	if err := checkSOAPPartIdentity(contentType, msg.Parts[0]); err != nil {
		return nil, false, err
	}

	soapDoc := etree.NewDocument()
	if err := soapDoc.ReadFromBytes(msg.Parts[0].Body); err != nil {
		return nil, false, fmt.Errorf("parsing SOAP envelope: %w", err)
	}

	docSetResponse := soapDoc.FindElement("//RetrieveDocumentSetResponse")
	if docSetResponse == nil {
		logging.Debug("mimexop: no RetrieveDocumentSetResponse in response, forwarding unchanged")
		return body, false, nil
	}

	refsByContentID, err := indexDocuments(docSetResponse)
	if err != nil {
		return nil, false, err
	}

	infected := make(map[string]string) // content-id -> signature
	attachments := msg.Parts[1:]
	for _, part := range attachments {
		cid := part.ContentID()
		verdict, err := scanAttachment(ctx, sc, part.Body, policy)
		if err != nil {
			return nil, false, err
		}
		if !verdict.OK() {
			infected[cid] = verdict.Signature
			continue
		}
		if bytes.Contains(part.Body, []byte(eicarSignature)) {
			logging.Error("mimexop: scanner missed EICAR test signature on attachment %s", cid)
		}
	}

	if len(infected) == 0 {
		return body, false, nil
	}

	removeMode := policy.RemoveMalicious
	keptParts := make([]Part, 0, len(msg.Parts))
	keptParts = append(keptParts, msg.Parts[0]) // placeholder, replaced below if mutated

	remainingAttachments := 0
	soapMutated := false

	for _, part := range attachments {
		cid := part.ContentID()
		signature, isInfected := infected[cid]
		if !isInfected {
			keptParts = append(keptParts, part)
			remainingAttachments++
			continue
		}

		ref, known := refsByContentID[cid]

		switch {
		case !removeMode:
			mimeType := ""
			if known {
				mimeType = ref.MimeType
			}
			replacementBody, err := store.Lookup(mimeType)
			if err != nil {
				return nil, false, fmt.Errorf("looking up replacement for %s: %w", mimeType, err)
			}
			keptParts = append(keptParts, replacePartBody(part, replacementBody))
			remainingAttachments++
			logging.Warning("mimexop: replaced infected attachment %s (signature=%s)", cid, signature)

		default:
			if known {
				docSetResponse.RemoveChild(ref.Element)
				if err := appendRegistryError(docSetResponse, "XDSDocumentUniqueIdError",
					fmt.Sprintf("Document was detected as malware for uniqueId '%s'.", ref.UniqueID)); err != nil {
					return nil, false, err
				}
			}
			soapMutated = true
			logging.Warning("mimexop: removed infected attachment %s (signature=%s)", cid, signature)
		}
	}

	if removeMode {
		regResponse := docSetResponse.FindElement("RegistryResponse")
		if regResponse == nil {
			return nil, false, &ParseError{Reason: "RegistryResponse missing from RetrieveDocumentSetResponse while malware was found"}
		}
		if remainingAttachments > 0 {
			setAttr(regResponse, "status", statusPartialSuccess)
		} else {
			setAttr(regResponse, "status", statusFailure)
			if err := appendRegistryError(docSetResponse, "XDSRegistryMetadataError", "No documents found for unique ids in request"); err != nil {
				return nil, false, err
			}
		}
		soapMutated = true
	}

	newSOAPBody, err := soapDoc.WriteToBytes()
	if err != nil {
		return nil, false, fmt.Errorf("re-serializing SOAP envelope: %w", err)
	}
	keptParts[0] = rebuildSOAPPart(msg.Parts[0], newSOAPBody, soapMutated)

	msg.Parts = keptParts
	out, err := msg.Bytes()
	if err != nil {
		return nil, false, err
	}

	if bytes.Contains(out, []byte(eicarSignature)) {
		return nil, false, &EICARFoundError{}
	}

	return out, true, nil
}

// checkSOAPPartIdentity cross-checks the SOAP part's position (it is
// always the first part after the preamble) against the top-level
// Content-Type's start= parameter, when present. The SOAP part is never
// identified by its Content-ID matching a literal value such as
// "root.message": position is authoritative, start= is only a
// consistency check.
func checkSOAPPartIdentity(contentType string, soapPart Part) error {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return &ParseError{Reason: fmt.Sprintf("parsing Content-Type %q: %v", contentType, err)}
	}
	start, ok := params["start"]
	if !ok || start == "" {
		return nil
	}
	if NormalizeContentID(start) != soapPart.ContentID() {
		return &ParseError{Reason: fmt.Sprintf("Content-Type start=%q does not match first part's Content-ID %q", start, soapPart.ContentID())}
	}
	return nil
}

func isMultipart(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "multipart")
}

// indexDocuments walks every DocumentResponse under docSetResponse,
// building the ContentId -> DocumentRef index used for mutation. A
// DocumentResponse missing Include/@href, DocumentUniqueId, or mimeType is
// an upstream structural violation of the one-to-one DocumentResponse /
// attachment invariant, not a value to tolerate -- it fails the request.
func indexDocuments(docSetResponse *etree.Element) (map[string]*DocumentRef, error) {
	index := make(map[string]*DocumentRef)

	for _, dr := range docSetResponse.FindElements("DocumentResponse") {
		includeEl := dr.FindElement(".//Include")
		if includeEl == nil {
			return nil, &ParseError{Reason: "DocumentResponse missing Include element"}
		}
		href := includeEl.SelectAttrValue("href", "")
		if href == "" {
			return nil, &ParseError{Reason: "DocumentResponse Include missing href attribute"}
		}

		uidEl := dr.FindElement("DocumentUniqueId")
		if uidEl == nil {
			return nil, &ParseError{Reason: "DocumentResponse missing DocumentUniqueId"}
		}
		mimeEl := dr.FindElement("mimeType")
		if mimeEl == nil {
			return nil, &ParseError{Reason: "DocumentResponse missing mimeType"}
		}

		cid := NormalizeContentID(href)
		index[cid] = &DocumentRef{
			Element:   dr,
			ContentID: cid,
			UniqueID:  uidEl.Text(),
			MimeType:  mimeEl.Text(),
		}
	}

	return index, nil
}

// scanAttachment runs the configured scanner and applies the test-mode
// magic-byte overrides from policy.
func scanAttachment(ctx context.Context, sc scanner.Scanner, body []byte, policy config.GlobalPolicy) (scanner.Verdict, error) {
	if policy.AllPNGMalicious && bytes.HasPrefix(body, pngMagic) {
		return scanner.Verdict{Found: true, Signature: "test-override-png"}, nil
	}
	if policy.AllPDFMalicious && bytes.HasPrefix(body, pdfMagic) {
		return scanner.Verdict{Found: true, Signature: "test-override-pdf"}, nil
	}
	return sc.Scan(ctx, bytes.NewReader(body), int64(len(body)))
}

// replacePartBody substitutes part's body with replacementBody, keeping
// every header -- including Content-ID and Content-Transfer-Encoding --
// byte-identical to the upstream.
func replacePartBody(part Part, replacementBody []byte) Part {
	headerBytes := headerBytesOf(part)
	part.Body = replacementBody
	part.Raw = append(append(append([]byte{}, headerBytes...), []byte("\r\n\r\n")...), replacementBody...)
	return part
}

// rebuildSOAPPart re-serializes the SOAP part with newBody. When the
// body was mutated, the MIME-Version header (if any) is dropped from
// the re-emitted header block; otherwise the original bytes are
// returned completely untouched.
func rebuildSOAPPart(part Part, newBody []byte, mutated bool) Part {
	if !mutated {
		return part
	}

	headerBytes := headerBytesOf(part)
	filtered := filterHeaderLines(headerBytes, "mime-version")

	part.Body = newBody
	part.Raw = append(append(append([]byte{}, filtered...), []byte("\r\n\r\n")...), newBody...)
	return part
}

func headerBytesOf(part Part) []byte {
	idx := bytes.Index(part.Raw, []byte("\r\n\r\n"))
	if idx == -1 {
		return part.Raw
	}
	return part.Raw[:idx]
}

// filterHeaderLines drops any header line whose field name matches
// fieldName (case-insensitive) from a raw CRLF-joined header block.
func filterHeaderLines(headerBytes []byte, fieldName string) []byte {
	lines := bytes.Split(headerBytes, []byte("\r\n"))
	kept := make([][]byte, 0, len(lines))
	prefix := strings.ToLower(fieldName) + ":"
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(string(line)), prefix) {
			continue
		}
		kept = append(kept, line)
	}
	return bytes.Join(kept, []byte("\r\n"))
}

func setAttr(el *etree.Element, key, value string) {
	if attr := el.SelectAttr(key); attr != nil {
		attr.Value = value
		return
	}
	el.CreateAttr(key, value)
}

// appendRegistryError appends a RegistryError to docSetResponse's
// RegistryResponse/RegistryErrorList, creating the list if absent. A
// missing RegistryResponse while malware was found is itself an upstream
// structural violation, so it fails rather than being synthesized.
func appendRegistryError(docSetResponse *etree.Element, errorCode, codeContext string) error {
	regResponse := docSetResponse.FindElement("RegistryResponse")
	if regResponse == nil {
		return &ParseError{Reason: "RegistryResponse missing while recording a malware registry error"}
	}
	errList := regResponse.FindElement("RegistryErrorList")
	if errList == nil {
		errList = regResponse.CreateElement("RegistryErrorList")
	}
	regErr := errList.CreateElement("RegistryError")
	regErr.CreateAttr("errorCode", errorCode)
	regErr.CreateAttr("codeContext", codeContext)
	regErr.CreateAttr("severity", errorSeverity)
	return nil
}
