package derivative

import (
	"net/url"
	"strings"
)

// Manifest is the manifest-of-manifests the design-data service returns
// for a model: a tree of every artifact derived from the design file.
type Manifest struct {
	URN         string `json:"urn"`
	Status      string `json:"status"`
	Progress    string `json:"progress"`
	Derivatives []Node `json:"derivatives"`
}

// Node is one node of the manifest tree. Children keep the order the
// service returned them in.
type Node struct {
	GUID     string `json:"guid"`
	Role     string `json:"role"`
	Mime     string `json:"mime"`
	URN      string `json:"urn"`
	Children []Node `json:"children"`
}

// cacheableRoles are the node roles whose payloads the viewer needs
// offline. Nodes with other roles are still descended into for their
// children.
var cacheableRoles = map[string]bool{
	"Autodesk.CloudPlatform.DesignDescription": true,
	"Autodesk.CloudPlatform.PropertyDatabase":  true,
	"Autodesk.CloudPlatform.IndexableContent":  true,
	"leaflet-zip": true,
	"thumbnail":   true,
	"graphics":    true,
	"preview":     true,
	"raas":        true,
	"pdf":         true,
	"lod":         true,
}

// PathInfo is the decomposition of a derivative urn into the parts the
// enumerators and URL builders work with.
type PathInfo struct {
	URN          string `json:"urn"`
	RootFileName string `json:"rootFileName"`
	LocalPath    string `json:"localPath"`
	BasePath     string `json:"basePath"`
}

// Derivative describes one cacheable payload resolved from the manifest
// tree. Files is filled in by enumeration and absent until then.
type Derivative struct {
	GUID string `json:"guid"`
	Mime string `json:"mime"`
	PathInfo
	Files []string `json:"files,omitempty"`
}

// ParsePathInfo decomposes a derivative urn, percent-decoding it first.
// For "bucket/output/dir/sub/file.ext" the root file name is "file.ext",
// the base path "bucket/output/dir/sub/" and the local path "dir/sub/"
// (first segment and the literal "output/" prefix stripped).
func ParsePathInfo(encodedURN string) PathInfo {
	// PathUnescape, not QueryUnescape: urns embed base64 segments whose
	// alphabet includes +, which must survive decoding
	decoded, err := url.PathUnescape(encodedURN)
	if err != nil {
		decoded = encodedURN
	}
	info := PathInfo{URN: decoded, RootFileName: decoded}
	i := strings.LastIndexByte(decoded, '/')
	if i < 0 {
		return info
	}
	info.RootFileName = decoded[i+1:]
	info.BasePath = decoded[:i+1]
	local := info.BasePath
	if j := strings.IndexByte(local, '/'); j >= 0 {
		local = local[j+1:]
	}
	info.LocalPath = strings.TrimPrefix(local, "output/")
	return info
}

// collectNodes walks nodes depth-first and returns a descriptor for every
// node carrying a cacheable role.
func collectNodes(nodes []Node) []Derivative {
	derivs := make([]Derivative, 0)
	for _, n := range nodes {
		if cacheableRoles[n.Role] {
			derivs = append(derivs, Derivative{
				GUID:     n.GUID,
				Mime:     n.Mime,
				PathInfo: ParsePathInfo(n.URN),
			})
		}
		derivs = append(derivs, collectNodes(n.Children)...)
	}
	return derivs
}
