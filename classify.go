package blobpack

import (
	"cmp"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Classifier labels a file with a MIME type from its name and leading bytes.
// Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(path string, head []byte) string
}

// Category groups MIME types for archive ordering. Lower values sort first.
type Category int

const (
	CategoryConfiguration Category = iota
	CategoryScript
	CategoryText
	CategoryDocument
	CategoryAudio
	CategoryImage
	CategoryVideo
	CategoryExecutable
	CategoryCompressed
	CategoryEncrypted
)

var categoryNames = [...]string{
	CategoryConfiguration: "configuration",
	CategoryScript:        "script",
	CategoryText:          "text",
	CategoryDocument:      "document",
	CategoryAudio:         "audio",
	CategoryImage:         "image",
	CategoryVideo:         "video",
	CategoryExecutable:    "executable",
	CategoryCompressed:    "compressed",
	CategoryEncrypted:     "encrypted",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

const (
	mimeText   = "text/plain"
	mimeBinary = "application/octet-stream"
)

// extensionTypes maps lowercase extensions without the dot to MIME types.
var extensionTypes = map[string]string{
	"json": "application/json", "yaml": "application/yaml", "yml": "application/yaml",
	"toml": "application/toml", "xml": "application/xml", "ini": "text/x-ini",
	"cfg": "text/x-ini", "conf": "text/x-ini", "properties": "text/x-java-properties",

	"sh": "application/x-sh", "bash": "application/x-sh", "py": "text/x-python",
	"js": "text/javascript", "mjs": "text/javascript", "ts": "application/typescript",
	"go": "text/x-go", "rb": "text/x-ruby", "pl": "text/x-perl", "ps1": "text/x-powershell",
	"bat": "application/x-bat", "lua": "text/x-lua", "cs": "text/x-csharp",
	"c": "text/x-c", "h": "text/x-c", "cpp": "text/x-c++", "hpp": "text/x-c++",
	"java": "text/x-java", "rs": "text/x-rust",

	"txt": mimeText, "md": "text/markdown", "csv": "text/csv", "log": mimeText,
	"html": "text/html", "htm": "text/html", "css": "text/css",

	"pdf": "application/pdf", "doc": "application/msword", "rtf": "application/rtf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"odt":  "application/vnd.oasis.opendocument.text",

	"mp3": "audio/mpeg", "wav": "audio/wav", "flac": "audio/flac", "ogg": "audio/ogg",
	"m4a": "audio/mp4",

	"png": "image/png", "jpg": "image/jpeg", "jpeg": "image/jpeg", "gif": "image/gif",
	"bmp": "image/bmp", "webp": "image/webp", "svg": "image/svg+xml", "tif": "image/tiff",
	"tiff": "image/tiff", "ico": "image/x-icon", "psd": "image/vnd.adobe.photoshop",

	"mp4": "video/mp4", "mkv": "video/x-matroska", "mov": "video/quicktime",
	"avi": "video/x-msvideo", "webm": "video/webm",

	"exe": "application/x-msdownload", "dll": "application/x-msdownload",
	"so": "application/x-sharedlib", "dylib": "application/x-mach-binary",
	"wasm": "application/wasm", "msi": "application/x-msi", "apk": "application/vnd.android.package-archive",

	"zip": "application/zip", "gz": "application/gzip", "tgz": "application/gzip",
	"bz2": "application/x-bzip2", "xz": "application/x-xz", "7z": "application/x-7z-compressed",
	"rar": "application/vnd.rar", "zst": "application/zstd", "tar": "application/x-tar",

	"gpg": "application/pgp-encrypted", "pgp": "application/pgp-encrypted",
	"asc": "application/pgp-encrypted", "p12": "application/x-pkcs12",
	"pfx": "application/x-pkcs12", "kdbx": "application/x-keepass2",
}

// CategoryOf maps a MIME type onto a Category.
func CategoryOf(mime string) Category {
	mime, _, _ = strings.Cut(mime, ";")
	major, minor, _ := strings.Cut(strings.TrimSpace(mime), "/")

	switch {
	case strings.Contains(minor, "pgp") || strings.Contains(minor, "pkcs12") || strings.Contains(minor, "keepass"):
		return CategoryEncrypted
	case minor == "zip" || minor == "gzip" || minor == "zstd" || minor == "x-tar" || minor == "vnd.rar" ||
		strings.HasPrefix(minor, "x-bzip") || minor == "x-xz" || minor == "x-7z-compressed":
		return CategoryCompressed
	case minor == "x-msdownload" || minor == "x-sharedlib" || minor == "x-mach-binary" || minor == "wasm" ||
		minor == "x-msi" || minor == "x-executable" || minor == "vnd.android.package-archive":
		return CategoryExecutable
	case major == "video":
		return CategoryVideo
	case major == "image":
		return CategoryImage
	case major == "audio":
		return CategoryAudio
	case minor == "json" || minor == "yaml" || minor == "toml" || minor == "xml" || minor == "x-ini" ||
		minor == "x-java-properties":
		return CategoryConfiguration
	case minor == "x-sh" || minor == "javascript" || minor == "typescript" || minor == "x-bat" ||
		(major == "text" && strings.HasPrefix(minor, "x-")):
		return CategoryScript
	case minor == "pdf" || minor == "msword" || minor == "rtf" || strings.HasPrefix(minor, "vnd.openxmlformats") ||
		strings.HasPrefix(minor, "vnd.oasis"):
		return CategoryDocument
	}
	return CategoryText
}

// Sniff verdict cache tuning.
const (
	verdictConclusive = 128
	verdictFactor     = 20
)

// encodingVerdict counts sniff outcomes seen for one extension.
type encodingVerdict struct {
	ascii, unicode, binary int
}

func (v encodingVerdict) conclusive() (string, bool) {
	total := v.ascii + v.unicode + v.binary
	if total < verdictConclusive {
		return "", false
	}
	switch {
	case v.ascii > (v.unicode+v.binary)*verdictFactor:
		return mimeText, true
	case v.binary > (v.ascii+v.unicode)*verdictFactor:
		return mimeBinary, true
	case v.unicode > (v.ascii+v.binary)*verdictFactor:
		return mimeText + "; charset=utf-8", true
	}
	return "", false
}

// ContentClassifier resolves known extensions from a table and sniffs the rest.
// Unknown extensions keep a running verdict so that, once enough files agree,
// later files of that extension skip sniffing.
type ContentClassifier struct {
	mu       sync.Mutex
	verdicts *lru.Cache[string, encodingVerdict]
}

// NewContentClassifier creates a classifier remembering up to size extensions.
func NewContentClassifier(size int) (*ContentClassifier, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, encodingVerdict](size)
	if err != nil {
		return nil, err
	}
	return &ContentClassifier{verdicts: cache}, nil
}

// Classify implements Classifier.
func (c *ContentClassifier) Classify(path string, head []byte) string {
	_, ext := SplitExtension(filepath.Base(path))
	ext = strings.ToLower(ext)
	if t, ok := extensionTypes[ext]; ok {
		return t
	}

	if ext != "" {
		c.mu.Lock()
		v, _ := c.verdicts.Get(ext)
		c.mu.Unlock()
		if t, ok := v.conclusive(); ok {
			return t
		}
	}

	enc := sniffEncoding(head)
	if ext != "" {
		c.mu.Lock()
		v, _ := c.verdicts.Get(ext)
		switch enc {
		case encodingASCII:
			v.ascii++
		case encodingBinary:
			v.binary++
		default:
			v.unicode++
		}
		c.verdicts.Add(ext, v)
		c.mu.Unlock()
	}

	switch enc {
	case encodingASCII:
		return mimeText
	case encodingBinary:
		if t := http.DetectContentType(head); !strings.HasPrefix(t, "text/") {
			return t
		}
		return mimeBinary
	}
	return mimeText + "; charset=" + enc
}

const (
	encodingASCII  = "us-ascii"
	encodingBinary = "binary"
)

// byteOrderMarks lists encodings recognised from leading bytes.
// Longer marks come first so UTF-32LE wins over UTF-16LE.
var byteOrderMarks = []struct {
	mark []byte
	name string
}{
	{[]byte{0xFF, 0xFE, 0x00, 0x00}, "utf-32le"},
	{[]byte{0x00, 0x00, 0xFE, 0xFF}, "utf-32be"},
	{[]byte{0xDD, 0x73, 0x66, 0x73}, "utf-ebcdic"},
	{[]byte{0x84, 0x31, 0x95, 0x33}, "gb18030"},
	{[]byte{0x0E, 0xFE, 0xFF}, "scsu"},
	{[]byte{0x2B, 0x2F, 0x76}, "utf-7"},
	{[]byte{0xEF, 0xBB, 0xBF}, "utf-8"},
	{[]byte{0xF7, 0x64, 0x4C}, "utf-1"},
	{[]byte{0xFB, 0xEE, 0x28}, "bocu-1"},
	{[]byte{0xFE, 0xFF}, "utf-16be"},
	{[]byte{0xFF, 0xFE}, "utf-16le"},
}

// sniffEncoding returns a charset name, encodingASCII or encodingBinary.
func sniffEncoding(head []byte) string {
	if len(head) >= 4 {
		for _, bom := range byteOrderMarks {
			if len(head) >= len(bom.mark) && string(head[:len(bom.mark)]) == string(bom.mark) {
				return bom.name
			}
		}
	}
	for _, b := range head {
		if (b < 0x20 && b != '\t' && b != '\n' && b != '\r') || b > 0x7E {
			return encodingBinary
		}
	}
	return encodingASCII
}

// SplitExtension splits a file name at its last dot. A leading dot counts,
// so ".bashrc" has an empty stem and extension "bashrc". A trailing dot stays
// in the stem, so "x." and "x" split differently.
func SplitExtension(name string) (stem, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// JoinExtension is the inverse of SplitExtension.
func JoinExtension(stem, ext string) string {
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}

// SortKey is what SortFiles orders by.
type SortKey struct {
	Mime      string
	Extension string
	Size      int64
}

// SortFiles stably orders items by category, then MIME type, extension and size.
func SortFiles[T any](items []T, key func(T) SortKey) {
	slices.SortStableFunc(items, func(a, b T) int {
		ka, kb := key(a), key(b)
		if c := cmp.Compare(CategoryOf(ka.Mime), CategoryOf(kb.Mime)); c != 0 {
			return c
		}
		if c := strings.Compare(ka.Mime, kb.Mime); c != 0 {
			return c
		}
		if c := strings.Compare(ka.Extension, kb.Extension); c != 0 {
			return c
		}
		return cmp.Compare(ka.Size, kb.Size)
	})
}
