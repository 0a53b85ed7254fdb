package derivative

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"
)

// Payload mime types with dedicated enumeration rules.
const (
	MimeSVF = "application/autodesk-svf"
	MimeF2D = "application/autodesk-f2d"
	MimeDB  = "application/autodesk-db"
)

// dbCompanionFiles always accompany a property database payload.
var dbCompanionFiles = []string{
	"objects_attrs.json.gz",
	"objects_vals.json.gz",
	"objects_offs.json.gz",
	"objects_ids.json.gz",
	"objects_avs.json.gz",
}

// assetManifest is the inner manifest embedded in SVF archives and
// published next to F2D payloads.
type assetManifest struct {
	Assets []struct {
		URI string `json:"URI"`
	} `json:"assets"`
}

// EnumerateFiles lists the files belonging to one derivative, relative to
// its base path. Viewable payloads reference their assets through an inner
// manifest that has to be downloaded and parsed; property databases ship a
// fixed companion set; anything else is just its root file.
func (c *Client) EnumerateFiles(ctx context.Context, d Derivative, accessToken string) ([]string, error) {
	switch d.Mime {
	case MimeSVF:
		return c.svfFiles(ctx, d, accessToken)
	case MimeF2D:
		return c.f2dFiles(ctx, d, accessToken)
	case MimeDB:
		files := make([]string, 0, len(dbCompanionFiles)+1)
		files = append(files, dbCompanionFiles...)
		return append(files, d.RootFileName), nil
	default:
		return []string{d.RootFileName}, nil
	}
}

// svfFiles downloads the SVF archive and reads the asset list out of the
// manifest.json stored inside it.
func (c *Client) svfFiles(ctx context.Context, d Derivative, accessToken string) ([]string, error) {
	blob, err := c.Download(ctx, d.URN, accessToken)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("open svf archive %s: %w", d.URN, err)
	}
	for _, f := range zr.File {
		if f.Name != "manifest.json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open svf manifest in %s: %w", d.URN, err)
		}
		defer rc.Close()
		raw, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read svf manifest in %s: %w", d.URN, err)
		}
		return assetURIs(raw, d.URN)
	}
	return nil, fmt.Errorf("svf archive %s has no manifest.json", d.URN)
}

// f2dFiles reads the asset list from the gzipped manifest published next
// to the payload. The manifest is needed offline as well, so it joins the
// list itself.
func (c *Client) f2dFiles(ctx context.Context, d Derivative, accessToken string) ([]string, error) {
	blob, err := c.Download(ctx, d.BasePath+"manifest.json.gz", accessToken)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("open f2d manifest for %s: %w", d.URN, err)
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("read f2d manifest for %s: %w", d.URN, err)
	}
	files, err := assetURIs(raw, d.URN)
	if err != nil {
		return nil, err
	}
	return append(files, "manifest.json.gz"), nil
}

// assetURIs decodes an asset manifest, dropping resources embedded in the
// payload itself. A manifest without assets is a valid empty result.
func assetURIs(raw []byte, urn string) ([]string, error) {
	var m assetManifest
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode asset manifest for %s: %w", urn, err)
	}
	files := make([]string, 0, len(m.Assets))
	for _, a := range m.Assets {
		if strings.Contains(a.URI, "embed:/") {
			continue
		}
		files = append(files, a.URI)
	}
	return files, nil
}
