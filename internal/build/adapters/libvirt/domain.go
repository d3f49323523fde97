package libvirt

import (
	"bytes"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"text/template"
)

//go:embed domain.xml.tmpl
var defaultDomain string

type domainTemplateData struct {
	Name     string
	MemoryMB int
	VCPUs    int
	ISOPath  string
}

func (d domainTemplateData) validate() error {
	if d.Name == "" {
		return errors.New("domain name is required")
	}
	if d.ISOPath == "" {
		return errors.New("image path is required")
	}
	if d.MemoryMB <= 0 || d.VCPUs <= 0 {
		return fmt.Errorf("invalid domain size: %d MiB, %d vcpus", d.MemoryMB, d.VCPUs)
	}
	return nil
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}
	if err := data.validate(); err != nil {
		return nil, err
	}

	tmpl, err := template.New("domain").Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}

	escaped := data
	escaped.Name = escapeXML(data.Name)
	escaped.ISOPath = escapeXML(data.ISOPath)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, escaped); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
