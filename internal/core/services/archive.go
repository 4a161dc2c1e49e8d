package services

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

// OBJArchive is the unpacked content of a provider result ZIP: exactly
// one mesh, one material file and one texture image.
type OBJArchive struct {
	OBJ        []byte
	MTL        []byte
	Texture    []byte
	TextureExt string // "png", "jpg" or "jpeg"
	// textureName is the original file name inside the archive,
	// referenced by the MTL before rewriting.
	textureName string
}

// IsZIPArchive reports whether data starts with the ZIP magic.
func IsZIPArchive(data []byte) bool {
	return len(data) >= 2 && data[0] == 'P' && data[1] == 'K'
}

// UnpackOBJArchive extracts the single .obj, .mtl and texture from a
// provider ZIP. More than one .obj is a hard error: it means the
// provider produced something this pipeline does not understand, and
// guessing would corrupt the model.
func UnpackOBJArchive(data []byte) (*OBJArchive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("failed to open archive: %w", err))
	}

	var out OBJArchive
	var objCount, mtlCount int

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		ext := strings.ToLower(path.Ext(name))

		switch ext {
		case ".obj":
			objCount++
			if objCount > 1 {
				return nil, domain.Fatal(fmt.Errorf("archive contains more than one .obj entry"))
			}
			out.OBJ, err = readZipFile(f)
		case ".mtl":
			mtlCount++
			if mtlCount > 1 {
				return nil, domain.Fatal(fmt.Errorf("archive contains more than one .mtl entry"))
			}
			out.MTL, err = readZipFile(f)
		case ".png", ".jpg", ".jpeg":
			if out.Texture != nil {
				continue
			}
			out.Texture, err = readZipFile(f)
			out.TextureExt = strings.TrimPrefix(ext, ".")
			out.textureName = name
		}
		if err != nil {
			return nil, domain.Fatal(fmt.Errorf("failed to read %s from archive: %w", f.Name, err))
		}
	}

	if objCount == 0 {
		return nil, domain.Fatal(fmt.Errorf("archive contains no .obj entry"))
	}
	if mtlCount == 0 {
		return nil, domain.Fatal(fmt.Errorf("archive contains no .mtl entry"))
	}
	if out.Texture == nil {
		return nil, domain.Fatal(fmt.Errorf("archive contains no texture image"))
	}

	out.MTL = RewriteMTL(out.MTL, out.textureName, "material."+out.TextureExt)
	return &out, nil
}

// mtlTextureDirectives are the MTL statements that reference a texture
// file and must follow the rename to the stable material name.
var mtlTextureDirectives = map[string]bool{
	"map_kd":   true,
	"map_ka":   true,
	"map_ks":   true,
	"map_bump": true,
	"map_d":    true,
	"bump":     true,
}

// RewriteMTL replaces every reference to the original texture filename
// with newName. The transform is deterministic: same input bytes, same
// output bytes.
func RewriteMTL(mtl []byte, originalName, newName string) []byte {
	lines := strings.Split(string(mtl), "\n")
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		directive := strings.ToLower(fields[0])
		isTextureLine := mtlTextureDirectives[directive]

		changed := false
		for j, field := range fields {
			if j == 0 && isTextureLine {
				continue
			}
			// On texture directives rewrite any path whose base matches;
			// elsewhere only bare references to the exact name.
			if field == originalName || (isTextureLine && path.Base(field) == originalName) {
				fields[j] = newName
				changed = true
			}
		}
		if changed {
			lines[i] = strings.Join(fields, " ")
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
