package workspace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	MetadataFile = "req.json"
	OutputsDir   = "outputs"
	SummaryFile  = "summary.json"
	ArchiveFile  = "images.zip"

	idPrefix = "req_"
)

var idPattern = regexp.MustCompile(`^req_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidID reports whether id follows the generated workspace id convention.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// InputImageName is the materialised name of channel ch of input image index.
func InputImageName(index, ch int, ext string) string {
	return fmt.Sprintf("image_%d_%04d%s", index, ch, ext)
}

// LabelName is the primary output the predictor writes for input image index.
func LabelName(index int, ext string) string {
	return fmt.Sprintf("image_%d%s", index, ext)
}

// MaskName is the derived binary mask for one label value of a primary output.
func MaskName(index, label int, ext string) string {
	return fmt.Sprintf("%s.%d%s", LabelName(index, ext), label, ext)
}

// ContourName is the derived contour file of a mask for one coordinate system tag.
func ContourName(maskName string, tag byte) string {
	return fmt.Sprintf("%s.points_%c.json", maskName, tag)
}

// ParseInputImageName extracts index and channel from image_<i>_<cccc><ext>.
func ParseInputImageName(name, ext string) (index, ch int, ok bool) {
	if ext == "" || !strings.HasPrefix(name, "image_") || !strings.HasSuffix(name, ext) {
		return 0, 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, "image_"), ext)
	idxPart, chPart, found := strings.Cut(core, "_")
	if !found || len(chPart) != 4 || idxPart == "" {
		return 0, 0, false
	}
	index, err := strconv.Atoi(idxPart)
	if err != nil || index < 0 || strconv.Itoa(index) != idxPart {
		return 0, 0, false
	}
	ch, err = strconv.Atoi(chPart)
	if err != nil || ch < 0 {
		return 0, 0, false
	}
	return index, ch, true
}
