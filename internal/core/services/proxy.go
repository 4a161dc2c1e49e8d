package services

import (
	"net/url"
	"strings"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

// ProxyRewriter turns stored storage URLs into client-facing proxy URLs
// of the form {base}/proxy/{image|model}?url={original}. The datastore
// keeps originals; the rewrite is a pure string transform applied on
// every read path that leaves the core.
type ProxyRewriter struct {
	base string
}

func NewProxyRewriter(baseURL string) *ProxyRewriter {
	return &ProxyRewriter{base: strings.TrimRight(baseURL, "/")}
}

func (p *ProxyRewriter) rewrite(kind, original string) string {
	if original == "" {
		return ""
	}
	return p.base + "/proxy/" + kind + "?url=" + url.QueryEscape(original)
}

func (p *ProxyRewriter) ImageURL(original string) string {
	return p.rewrite("image", original)
}

func (p *ProxyRewriter) ModelURL(original string) string {
	return p.rewrite("model", original)
}

func (p *ProxyRewriter) imageURLPtr(original *string) *string {
	if original == nil {
		return nil
	}
	u := p.ImageURL(*original)
	return &u
}

func (p *ProxyRewriter) modelURLPtr(original *string) *string {
	if original == nil {
		return nil
	}
	u := p.ModelURL(*original)
	return &u
}

// RewriteImage returns a copy of img with its URL rewritten for clients.
func (p *ProxyRewriter) RewriteImage(img domain.Image) domain.Image {
	img.ImageURL = p.imageURLPtr(img.ImageURL)
	return img
}

// RewriteModel returns a copy of m with every artifact URL rewritten.
func (p *ProxyRewriter) RewriteModel(m domain.Model) domain.Model {
	m.ModelURL = p.modelURLPtr(m.ModelURL)
	m.MTLURL = p.modelURLPtr(m.MTLURL)
	m.TextureURL = p.modelURLPtr(m.TextureURL)
	m.PreviewImageURL = p.imageURLPtr(m.PreviewImageURL)
	return m
}
