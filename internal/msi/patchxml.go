package msi

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// PatchApplicabilityNamespace is the XML namespace of patch description documents.
const PatchApplicabilityNamespace = "http://www.microsoft.com/msi/patch_applicability.xsd"

// PatchXML is a patch description document: the applicability data of a patch
// without its transforms.
type PatchXML struct {
	XMLName            xml.Name           `xml:"http://www.microsoft.com/msi/patch_applicability.xsd MsiPatch"`
	PatchGUID          string             `xml:"PatchGUID,attr"`
	TargetProductCodes []string           `xml:"http://www.microsoft.com/msi/patch_applicability.xsd TargetProductCode"`
	TargetProducts     []XMLTargetProduct `xml:"http://www.microsoft.com/msi/patch_applicability.xsd TargetProduct"`
	ObsoletedPatches   []string           `xml:"http://www.microsoft.com/msi/patch_applicability.xsd ObsoletedPatch"`
	SequenceData       []XMLSequenceData  `xml:"http://www.microsoft.com/msi/patch_applicability.xsd SequenceData"`
}

// XMLTargetProduct is a TargetProduct element.
type XMLTargetProduct struct {
	TargetProductCode string           `xml:"http://www.microsoft.com/msi/patch_applicability.xsd TargetProductCode"`
	TargetVersion     XMLTargetVersion `xml:"http://www.microsoft.com/msi/patch_applicability.xsd TargetVersion"`
}

// XMLTargetVersion is the product version a TargetProduct requires.
// ComparisonType defaults to Equal.
type XMLTargetVersion struct {
	Value          string `xml:",chardata"`
	ComparisonType string `xml:"ComparisonType,attr"`
}

var comparisonOperators = map[string]string{
	"":               "=",
	"equal":          "=",
	"less":           "<",
	"lessorequal":    "<=",
	"greater":        ">",
	"greaterorequal": ">=",
}

// Constraint returns the version as a semver constraint, or "" when the
// element is absent. An unknown ComparisonType yields an error.
func (v XMLTargetVersion) Constraint() (string, error) {
	if v.Value == "" {
		return "", nil
	}
	op, ok := comparisonOperators[strings.ToLower(v.ComparisonType)]
	if !ok {
		return "", fmt.Errorf("unknown ComparisonType %q", v.ComparisonType)
	}
	return op + " " + v.Value, nil
}

// XMLSequenceData is a SequenceData element.
type XMLSequenceData struct {
	PatchFamily string `xml:"http://www.microsoft.com/msi/patch_applicability.xsd PatchFamily"`
	ProductCode string `xml:"http://www.microsoft.com/msi/patch_applicability.xsd ProductCode"`
	Sequence    string `xml:"http://www.microsoft.com/msi/patch_applicability.xsd Sequence"`
}

// ReadPatchXML decodes a patch description document.
func ReadPatchXML(r io.Reader) (*PatchXML, error) {
	var doc PatchXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse patch xml: %w", err)
	}

	doc.PatchGUID = strings.TrimSpace(doc.PatchGUID)
	doc.TargetProductCodes = trimAll(doc.TargetProductCodes)
	doc.ObsoletedPatches = trimAll(doc.ObsoletedPatches)
	for i := range doc.TargetProducts {
		tp := &doc.TargetProducts[i]
		tp.TargetProductCode = strings.TrimSpace(tp.TargetProductCode)
		tp.TargetVersion.Value = strings.TrimSpace(tp.TargetVersion.Value)
		tp.TargetVersion.ComparisonType = strings.TrimSpace(tp.TargetVersion.ComparisonType)
	}
	for i := range doc.SequenceData {
		sd := &doc.SequenceData[i]
		sd.PatchFamily = strings.TrimSpace(sd.PatchFamily)
		sd.ProductCode = strings.TrimSpace(sd.ProductCode)
		sd.Sequence = strings.TrimSpace(sd.Sequence)
	}
	return &doc, nil
}

// PatchXMLTargets returns the TargetProductCode values declared directly
// under the MsiPatch element of the document at path.
func PatchXMLTargets(path string) ([]string, error) {
	doc, err := openXML(path)
	if err != nil {
		return nil, err
	}
	return doc.TargetProductCodes, nil
}

func openXML(path string) (*PatchXML, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := ReadPatchXML(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
