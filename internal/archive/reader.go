// Package archive reads zip archives as a forward-only stream.
//
// archive/zip needs an io.ReaderAt and the central directory at the end of
// the file. Reader walks the local file headers instead, so an archive can be
// consumed straight from a network body without buffering it.
package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

// ErrMalformedArchive reports input that is not a zip this reader can parse.
var ErrMalformedArchive = errors.New("malformed archive")

const (
	localHeaderSig     = 0x04034b50
	centralHeaderSig   = 0x02014b50
	endOfCentralSig    = 0x06054b50
	zip64EndSig        = 0x06064b50
	zip64LocatorSig    = 0x07064b50
	dataDescriptorSig  = 0x08074b50
	localHeaderLen     = 26 // after the signature
	zip64ExtraID       = 0x0001
	uint32Max          = 0xffffffff
	flagEncrypted      = 0x1
	flagDataDescriptor = 0x8

	methodStore   = 0
	methodDeflate = 8
)

// Type distinguishes files from directories.
type Type int

const (
	File Type = iota
	Directory
)

func (t Type) String() string {
	if t == Directory {
		return "directory"
	}
	return "file"
}

// Entry is one archive member. An Entry is an io.Reader over the member's
// uncompressed content and is only valid until the next call to Next.
type Entry struct {
	Path     string
	Type     Type
	Modified time.Time
	// Size is the uncompressed size, or -1 when the archive defers it to a
	// data descriptor.
	Size int64

	body *body
}

// Read reads the entry's content. Directory entries are always empty.
func (e *Entry) Read(p []byte) (int, error) {
	return e.body.Read(p)
}

// Drain discards whatever content remains unread and verifies the entry.
func (e *Entry) Drain() error {
	_, err := io.Copy(io.Discard, e.body)
	return err
}

// Reader yields the entries of a zip archive in stream order.
type Reader struct {
	r   *bufio.Reader
	cur *Entry
	err error
}

// NewReader returns a Reader consuming r. r is read sequentially and never
// rewound.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next entry, draining the current one first. It
// returns io.EOF once the central directory is reached.
func (z *Reader) Next() (*Entry, error) {
	if z.err != nil {
		return nil, z.err
	}
	if z.cur != nil {
		if err := z.cur.Drain(); err != nil {
			return nil, z.fail(err)
		}
		z.cur = nil
	}

	sig, err := z.readUint32()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, z.fail(malformed("missing end of central directory"))
		}
		return nil, z.fail(err)
	}

	switch sig {
	case localHeaderSig:
	case centralHeaderSig, endOfCentralSig, zip64EndSig, zip64LocatorSig:
		z.err = io.EOF
		return nil, io.EOF
	default:
		return nil, z.fail(malformed("unexpected signature 0x%08x", sig))
	}

	e, err := z.readLocalHeader()
	if err != nil {
		return nil, z.fail(err)
	}
	z.cur = e
	return e, nil
}

func (z *Reader) fail(err error) error {
	if z.err == nil {
		z.err = err
	}
	return z.err
}

func (z *Reader) readUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(z.r, b[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, malformed("truncated signature")
		}
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

type localHeader struct {
	flags            uint16
	method           uint16
	modTime, modDate uint16
	crc              uint32
	compressed       uint64
	uncompressed     uint64
	zip64            bool
}

func (h *localHeader) hasDescriptor() bool {
	return h.flags&flagDataDescriptor != 0
}

func (z *Reader) readLocalHeader() (*Entry, error) {
	var buf [localHeaderLen]byte
	if _, err := io.ReadFull(z.r, buf[:]); err != nil {
		return nil, truncated(err, "local header")
	}
	b := readBuf(buf[:])
	b.uint16() // version needed
	h := localHeader{
		flags:   b.uint16(),
		method:  b.uint16(),
		modTime: b.uint16(),
		modDate: b.uint16(),
	}
	h.crc = b.uint32()
	h.compressed = uint64(b.uint32())
	h.uncompressed = uint64(b.uint32())
	nameLen := int(b.uint16())
	extraLen := int(b.uint16())

	meta := make([]byte, nameLen+extraLen)
	if _, err := io.ReadFull(z.r, meta); err != nil {
		return nil, truncated(err, "file name")
	}
	name := string(meta[:nameLen])
	if err := h.parseExtra(meta[nameLen:]); err != nil {
		return nil, err
	}

	if name == "" {
		return nil, malformed("empty file name")
	}
	if h.flags&flagEncrypted != 0 {
		return nil, malformed("%s: encrypted entries are not supported", name)
	}
	if !isSafePath(name) {
		return nil, malformed("%s: unsafe path", name)
	}

	e := &Entry{
		Path:     name,
		Modified: msDosTime(h.modDate, h.modTime),
		Size:     int64(h.uncompressed),
	}
	if strings.HasSuffix(name, "/") {
		e.Type = Directory
	}
	if h.hasDescriptor() {
		e.Size = -1
	}

	bd, err := z.newBody(name, &h)
	if err != nil {
		return nil, err
	}
	e.body = bd
	return e, nil
}

func (h *localHeader) parseExtra(extra []byte) error {
	b := readBuf(extra)
	for len(b) >= 4 {
		id := b.uint16()
		size := int(b.uint16())
		if size > len(b) {
			return malformed("invalid extra field length")
		}
		field := b.sub(size)
		if id != zip64ExtraID {
			continue
		}
		h.zip64 = true
		if h.uncompressed == uint32Max {
			if len(field) < 8 {
				return malformed("short zip64 extra field")
			}
			h.uncompressed = field.uint64()
		}
		if h.compressed == uint32Max {
			if len(field) < 8 {
				return malformed("short zip64 extra field")
			}
			h.compressed = field.uint64()
		}
	}
	return nil
}

func (z *Reader) newBody(name string, h *localHeader) (*body, error) {
	bd := &body{z: z, name: name, hdr: h, crc: crc32.NewIEEE()}

	switch h.method {
	case methodStore:
		if h.hasDescriptor() && h.compressed == 0 {
			// Without a size a stored entry has no end marker. The only
			// case that can be read forward is an empty one.
			peek, err := z.r.Peek(4)
			if err != nil || binary.LittleEndian.Uint32(peek) != dataDescriptorSig {
				return nil, malformed("%s: stored entry with deferred size", name)
			}
			bd.raw = &exactReader{r: z.r, n: 0}
		} else {
			bd.raw = &exactReader{r: z.r, n: int64(h.compressed)}
		}
		bd.src = bd.raw
	case methodDeflate:
		if h.hasDescriptor() {
			// Deflate is self-terminating; bufio.Reader is an io.ByteReader
			// so the decompressor stops at the end of the stream.
			bd.src = flate.NewReader(z.r)
		} else {
			bd.raw = &exactReader{r: z.r, n: int64(h.compressed)}
			bd.src = flate.NewReader(bd.raw)
		}
	default:
		return nil, malformed("%s: unsupported compression method %d", name, h.method)
	}
	return bd, nil
}

type body struct {
	z    *Reader
	name string
	hdr  *localHeader
	raw  *exactReader // nil when the compressed length is unknown
	src  io.Reader
	crc  hash.Hash32
	n    uint64
	err  error
}

func (b *body) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.src.Read(p)
	b.crc.Write(p[:n])
	b.n += uint64(n)
	if !b.hdr.hasDescriptor() && b.n > b.hdr.uncompressed {
		err = malformed("%s: content longer than declared size", b.name)
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if ferr := b.finish(); ferr != nil {
			b.err = b.z.fail(ferr)
			return n, b.err
		}
		b.err = io.EOF
		return n, io.EOF
	default:
		b.err = b.z.fail(classify(b.name, err))
		return n, b.err
	}
}

func (b *body) finish() error {
	if c, ok := b.src.(io.Closer); ok {
		c.Close()
	}
	if b.raw != nil {
		if _, err := io.Copy(io.Discard, b.raw); err != nil {
			return classify(b.name, err)
		}
	}

	crc, size := b.hdr.crc, b.hdr.uncompressed
	if b.hdr.hasDescriptor() {
		var err error
		if crc, size, err = b.readDescriptor(); err != nil {
			return err
		}
	}

	if b.n != size {
		return malformed("%s: size mismatch: declared %d, read %d", b.name, size, b.n)
	}
	if got := b.crc.Sum32(); got != crc {
		return malformed("%s: checksum mismatch", b.name)
	}
	return nil
}

func (b *body) readDescriptor() (uint32, uint64, error) {
	r := b.z.r
	peek, err := r.Peek(4)
	if err != nil {
		return 0, 0, truncated(err, "data descriptor")
	}
	if binary.LittleEndian.Uint32(peek) == dataDescriptorSig {
		r.Discard(4)
	}

	sizeLen := 4
	if b.hdr.zip64 {
		sizeLen = 8
	}
	buf := make([]byte, 4+2*sizeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, truncated(err, "data descriptor")
	}
	d := readBuf(buf)
	crc := d.uint32()
	if sizeLen == 8 {
		d.uint64()
		return crc, d.uint64(), nil
	}
	d.uint32()
	return crc, uint64(d.uint32()), nil
}

// exactReader reads exactly n bytes, reporting a short source as
// io.ErrUnexpectedEOF.
type exactReader struct {
	r io.Reader
	n int64
}

func (l *exactReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if errors.Is(err, io.EOF) && l.n > 0 {
		return n, io.ErrUnexpectedEOF
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func classify(name string, err error) error {
	var corrupt flate.CorruptInputError
	switch {
	case errors.Is(err, ErrMalformedArchive):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF):
		return malformed("%s: truncated entry", name)
	case errors.As(err, &corrupt):
		return malformed("%s: %v", name, err)
	default:
		return fmt.Errorf("reading %s: %w", name, err)
	}
}

func truncated(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return malformed("truncated %s", what)
	}
	return err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedArchive, fmt.Sprintf(format, args...))
}

func isSafePath(name string) bool {
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." {
			return false
		}
	}
	return true
}

// msDosTime converts an MS-DOS date and time into a time.Time in UTC.
func msDosTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0,
		time.UTC,
	)
}

type readBuf []byte

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *readBuf) sub(n int) readBuf {
	b2 := (*b)[:n]
	*b = (*b)[n:]
	return b2
}
