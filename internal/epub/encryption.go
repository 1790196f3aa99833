package epub

import (
	"encoding/xml"
	"strings"
)

const (
	encryptionFilePath = "META-INF/encryption.xml"
	sinfFilePath       = "META-INF/sinf.xml" // Apple FairPlay marker
)

// Font obfuscation algorithm URIs. These do not constitute DRM; the
// content documents remain readable.
var fontObfuscationAlgorithms = map[string]bool{
	"http://www.idpf.org/2008/embedding": true,
	"http://ns.adobe.com/pdf/enc#RC":     true,
}

// Known DRM namespace markers found in algorithm URIs or KeyInfo children.
var drmSignatures = []string{
	"http://ns.adobe.com/adept",      // Adobe ADEPT
	"http://readium.org/2014/01/lcp", // Readium LCP
}

type xmlEncryption struct {
	XMLName       xml.Name           `xml:"encryption"`
	EncryptedData []xmlEncryptedData `xml:"EncryptedData"`
}

type xmlEncryptedData struct {
	EncryptionMethod struct {
		Algorithm string `xml:"Algorithm,attr"`
	} `xml:"EncryptionMethod"`
	KeyInfo struct {
		InnerXML string `xml:",innerxml"`
	} `xml:"KeyInfo"`
}

// checkEncryption inspects META-INF/encryption.xml and returns ErrEncrypted
// when the container carries real DRM. Font obfuscation alone is recorded
// as a warning and does not block conversion.
func (r *Reader) checkEncryption() error {
	if _, ok := r.lookup(sinfFilePath); ok {
		return ErrEncrypted
	}

	f, ok := r.lookup(encryptionFilePath)
	if !ok {
		return nil
	}
	data, err := r.readEntry(f)
	if err != nil {
		return err
	}

	var enc xmlEncryption
	if err := xml.Unmarshal(stripBOM(data), &enc); err != nil {
		// Unparsable encryption descriptor is treated as DRM.
		return ErrEncrypted
	}

	fontObfuscation := false
	for _, ed := range enc.EncryptedData {
		algo := ed.EncryptionMethod.Algorithm
		if fontObfuscationAlgorithms[algo] {
			fontObfuscation = true
			continue
		}
		if isDRMSignature(algo) || isDRMSignature(ed.KeyInfo.InnerXML) {
			return ErrEncrypted
		}
		// Any other encrypted entry is treated as DRM.
		return ErrEncrypted
	}

	if fontObfuscation {
		r.warnings = append(r.warnings, "embedded fonts are obfuscated; they may not render")
	}
	return nil
}

func isDRMSignature(s string) bool {
	for _, sig := range drmSignatures {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}
