// b2sum.go
//
// A coreutils-compatible BLAKE2b checksum tool.
//
// Features.
// - Read FILEs, or standard input when FILE is "-" or no FILE is given.
// - Output compatible with coreutils-style "<hex>  <file>" and BSD-style "--tag".
// - Check mode "-c" to verify checksum manifests, with the usual
//   --ignore-missing/--quiet/--status/--strict/-w policy flags.
// - Digest length selection via "-l/--length" (bits, multiple of 8, max 512).
//
// The sums are computed as described in RFC 7693. When checking, the input
// should be a former output of this program (or of GNU b2sum).

package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/blake2b"
)

const (
	progName    = "b2sum"
	progVersion = "1.0.0"

	defaultBits = 512
	bufLen      = 1 << 16
)

type exitCode int

const (
	exitOK      exitCode = 0
	exitFailure exitCode = 1
)

type options struct {
	check bool
	tag   bool
	zero  bool

	lengthBits int

	ignoreMissing bool
	quiet         bool
	status        bool
	strict        bool
	warn          bool

	append     bool
	outputPath string
}

// validateLength enforces the digest length contract before any input is
// read: bits must lie in 8..512 and describe a whole number of bytes.
func validateLength(bits int) error {
	if bits < 8 || bits > 512 {
		return fmt.Errorf("invalid length: %d: maximum digest length for BLAKE2b is 512 bits", bits)
	}
	if bits%8 != 0 {
		return fmt.Errorf("invalid length: %d: length is not a multiple of 8", bits)
	}
	return nil
}

type checksumStyle int

const (
	styleDefault checksumStyle = iota
	styleTag
)

// checksumRecord is one (digest, filename) pair as it appears on a checksum
// line. binary records the historical "*" read-mode marker: it is parsed for
// compatibility and re-emitted on format, but never changes how the file is
// hashed.
type checksumRecord struct {
	digest   []byte
	filename string
	bits     int
	style    checksumStyle
	binary   bool
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') ||
			(c >= 'a' && c <= 'f') ||
			(c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}

var errBadLine = errors.New("improperly formatted BLAKE2b checksum line")

// parseRecord parses one manifest line (trailing terminator already
// stripped) into a checksumRecord. bits is the invocation digest length;
// default-style lines must carry exactly bits/4 hex digits, while tag-style
// lines assert their own length textually. A line that matches neither
// shape yields an error describing why, never a panic: manifests may be
// hand-edited or corrupted and must not abort a verification run.
//
// The tag shape is attempted first because its prefix is unambiguous; a
// filename that merely begins with "BLAKE2b" falls through to the default
// shape when the rest of the tag syntax is absent.
func parseRecord(line string, bits int) (checksumRecord, error) {
	if strings.HasPrefix(line, "BLAKE2b") {
		rest := line[len("BLAKE2b"):]

		/* "BLAKE2b" alone asserts the full 512 bits; "BLAKE2b-N" asserts N. */
		tagBits := defaultBits
		if strings.HasPrefix(rest, "-") {
			j := 1
			for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
				j++
			}
			if j > 1 {
				if n, err := strconv.Atoi(rest[1:j]); err == nil {
					tagBits = n
					rest = rest[j:]
				}
			}
		}

		if strings.HasPrefix(rest, " (") {
			if k := strings.LastIndex(rest, ") = "); k >= 2 {
				name := rest[2:k]
				dh := rest[k+4:]
				if name == "" {
					return checksumRecord{}, errBadLine
				}
				if err := validateLength(tagBits); err != nil {
					return checksumRecord{}, err
				}
				if len(dh) != tagBits/4 || !isHex(dh) {
					return checksumRecord{}, fmt.Errorf("digest does not match the asserted BLAKE2b-%d length", tagBits)
				}
				digest, err := hex.DecodeString(strings.ToLower(dh))
				if err != nil {
					return checksumRecord{}, err
				}
				return checksumRecord{
					digest:   digest,
					filename: name,
					bits:     tagBits,
					style:    styleTag,
				}, nil
			}
		}
	}

	/* Default style: <hex> followed by "  " or " *", then the filename. */
	hexLen := bits / 4
	if len(line) < hexLen+3 {
		return checksumRecord{}, errBadLine
	}
	dh := line[:hexLen]
	if !isHex(dh) || line[hexLen] != ' ' {
		return checksumRecord{}, errBadLine
	}

	binary := false
	switch line[hexLen+1] {
	case ' ':
	case '*':
		binary = true
	default:
		return checksumRecord{}, errBadLine
	}

	name := line[hexLen+2:]
	if name == "" {
		return checksumRecord{}, errBadLine
	}

	digest, err := hex.DecodeString(strings.ToLower(dh))
	if err != nil {
		return checksumRecord{}, err
	}

	return checksumRecord{
		digest:   digest,
		filename: name,
		bits:     bits,
		style:    styleDefault,
		binary:   binary,
	}, nil
}

// formatRecord renders a record back to its textual form. For tag style at
// the full 512 bits the header is the bare "BLAKE2b", matching GNU b2sum
// output; any other length embeds the bit count.
func formatRecord(rec checksumRecord, opt *options) string {
	hexsum := hex.EncodeToString(rec.digest)

	if rec.style == styleTag {
		if rec.bits == defaultBits {
			return fmt.Sprintf("BLAKE2b (%s) = %s", rec.filename, hexsum)
		}
		return fmt.Sprintf("BLAKE2b-%d (%s) = %s", rec.bits, rec.filename, hexsum)
	}

	name := rec.filename
	if !opt.zero {
		name = escapeFilename(name)
	}
	if rec.binary {
		return fmt.Sprintf("%s *%s", hexsum, name)
	}
	return fmt.Sprintf("%s  %s", hexsum, name)
}

func escapeFilename(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case 0:
			b.WriteString(`\0`)
		default:
			if c < 0x20 || c == 0x7f {
				b.WriteString(`\`)
				b.WriteString(fmt.Sprintf("%03o", c))
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

func unescapeFilename(s string) (string, error) {
	var out bytes.Buffer
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", errors.New("dangling escape")
		}
		i++
		switch s[i] {
		case '\\':
			out.WriteByte('\\')
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		case '0':
			out.WriteByte(0)
		default:
			if s[i] < '0' || s[i] > '7' {
				return "", fmt.Errorf("bad escape: \\%c", s[i])
			}
			if i+2 >= len(s) {
				return "", errors.New("short octal escape")
			}
			oct := s[i : i+3]
			v, err := strconv.ParseUint(oct, 8, 8)
			if err != nil {
				return "", err
			}
			out.WriteByte(byte(v))
			i += 2
		}
	}
	return out.String(), nil
}

// newDigest is the hashing capability boundary: an unkeyed RFC 7693 BLAKE2b
// state producing bits/8 bytes.
func newDigest(bits int) (hash.Hash, error) {
	return blake2b.New(bits/8, nil)
}

func digestStream(r io.Reader, bits int) ([]byte, error) {
	d, err := newDigest(bits)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, bufLen)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := d.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}

	return d.Sum(nil), nil
}

// openInput opens a named file for hashing, with "-" meaning standard
// input. Directories are rejected up front rather than failing halfway
// through a read.
func openInput(name string) (io.Reader, func(), error) {
	if name == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	if fi, serr := f.Stat(); serr == nil && fi.IsDir() {
		_ = f.Close()
		return nil, nil, errors.New("Is a directory")
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(opt *options) (io.Writer, func(), error) {
	if opt.outputPath == "" || opt.outputPath == "-" {
		return os.Stdout, func() {}, nil
	}
	var (
		f   *os.File
		err error
	)
	if opt.append {
		f, err = os.OpenFile(opt.outputPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	} else {
		f, err = os.Create(opt.outputPath)
	}
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func lineSep(opt *options) string {
	if opt.zero {
		return "\x00"
	}
	return "\n"
}

func writeErr(opt *options, format string, a ...any) {
	if opt != nil && opt.status {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", progName, fmt.Sprintf(format, a...))
}

// computeFiles is the digest producer: one checksum line per input, in
// argument order. A file that cannot be read is reported and skipped; the
// run is then marked failed, but the remaining inputs are still processed.
func computeFiles(files []string, opt *options, out io.Writer) exitCode {
	sep := lineSep(opt)
	style := styleDefault
	if opt.tag {
		style = styleTag
	}

	failed := false
	for _, name := range files {
		r, clos, err := openInput(name)
		if err != nil {
			failed = true
			writeErr(opt, "%s: %v", name, err)
			continue
		}

		sum, err := digestStream(r, opt.lengthBits)
		clos()
		if err != nil {
			failed = true
			writeErr(opt, "%s: %v", name, err)
			continue
		}

		rec := checksumRecord{
			digest:   sum,
			filename: name,
			bits:     opt.lengthBits,
			style:    style,
		}
		_, _ = io.WriteString(out, formatRecord(rec, opt))
		_, _ = io.WriteString(out, sep)
	}

	if failed {
		return exitFailure
	}
	return exitOK
}

// verifyOutcome is the terminal classification of one manifest line. The
// policy handling matches exhaustively over these four cases to decide what
// to print and what counts toward the exit status.
type verifyOutcome int

const (
	outcomeOK verifyOutcome = iota
	outcomeMismatch
	outcomeMissing
	outcomeMalformed
)

// runSummary accumulates outcome counts for one check invocation. It is
// created at the start of the run, updated once per line, and read once at
// the end to decide the exit status.
type runSummary struct {
	lines      int
	matched    int
	mismatched int
	unreadable int
	malformed  int
}

// verifyRecord recomputes the digest of the file a well-formed record
// names, at the record's asserted bit length, and compares byte-for-byte.
// The error is non-nil only for outcomeMissing and carries the open/read
// failure for reporting.
func verifyRecord(rec checksumRecord) (verifyOutcome, error) {
	r, clos, err := openInput(rec.filename)
	if err != nil {
		return outcomeMissing, err
	}

	sum, err := digestStream(r, rec.bits)
	clos()
	if err != nil {
		return outcomeMissing, err
	}

	if bytes.Equal(sum, rec.digest) {
		return outcomeOK, nil
	}
	return outcomeMismatch, nil
}

func readRecord(br *bufio.Reader, delim byte) ([]byte, error) {
	b, err := br.ReadBytes(delim)
	if err == nil {
		return b[:len(b)-1], nil
	}
	if err == io.EOF && len(b) > 0 {
		return b, nil
	}
	return nil, err
}

func looksLikeUTF16LE(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	// Heuristic: for ASCII-ish UTF-16LE text, odd bytes are very often 0x00.
	n := len(b)
	if n%2 == 1 {
		n--
	}
	if n < 8 {
		return false
	}
	zerosOdd := 0
	totalOdd := 0
	zerosEven := 0
	totalEven := 0
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			totalEven++
			if b[i] == 0 {
				zerosEven++
			}
			continue
		}
		totalOdd++
		if b[i] == 0 {
			zerosOdd++
		}
	}
	// >= 80% of odd bytes are 0x00, and not too many even bytes are 0x00.
	return zerosOdd*5 >= totalOdd*4 && zerosEven*3 <= totalEven*2
}

func decodeUTF16LE(b []byte) (string, error) {
	if len(b) >= 2 && b[0] == 0xFF && b[1] == 0xFE {
		b = b[2:]
	}
	if len(b)%2 != 0 {
		return "", errors.New("invalid UTF-16LE data")
	}
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		u16 = append(u16, uint16(b[i])|uint16(b[i+1])<<8)
	}
	return string(utf16.Decode(u16)), nil
}

// prepareManifestReader strips a UTF-8 BOM and transparently decodes
// UTF-16LE manifests (a common artifact of Windows shell redirection).
func prepareManifestReader(r io.Reader, opt *options) (io.Reader, error) {
	br := bufio.NewReader(r)
	peek, perr := br.Peek(64)
	if perr != nil && perr != io.EOF {
		return nil, perr
	}

	// Always support UTF-8 BOM.
	if len(peek) >= 3 && peek[0] == 0xEF && peek[1] == 0xBB && peek[2] == 0xBF {
		_, _ = br.Discard(3)
		return br, nil
	}

	// When -z/--zero is used, ignore UTF-16LE support.
	if opt.zero {
		return br, nil
	}

	// UTF-16LE BOM.
	if len(peek) >= 2 && peek[0] == 0xFF && peek[1] == 0xFE {
		all, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		s, derr := decodeUTF16LE(all)
		if derr != nil {
			return nil, derr
		}
		return strings.NewReader(s), nil
	}

	// Heuristic UTF-16LE (no BOM).
	if looksLikeUTF16LE(peek) {
		all, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		s, derr := decodeUTF16LE(all)
		if derr != nil {
			return nil, derr
		}
		return strings.NewReader(s), nil
	}

	return br, nil
}

// checkFiles is the verifier: it walks each manifest strictly in line
// order, classifies every line as OK/mismatch/missing/malformed, and folds
// the counts into the exit status according to the policy flags. Line
// outcomes are independent; nothing one line does affects later lines.
func checkFiles(listFiles []string, opt *options, out io.Writer) exitCode {
	sep := lineSep(opt)

	delim := byte('\n')
	if opt.zero {
		delim = 0
	}

	var sum runSummary
	fatal := false

	report := func(s string) {
		if opt.status {
			return
		}
		_, _ = io.WriteString(out, s)
		_, _ = io.WriteString(out, sep)
	}

	warnf := func(format string, a ...any) {
		if opt.status || !opt.warn {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: WARNING: %s\n", progName, fmt.Sprintf(format, a...))
	}

	for _, lf := range listFiles {
		r, clos, err := openInput(lf)
		if err != nil {
			fatal = true
			writeErr(opt, "%s: %v", lf, err)
			continue
		}

		rr, rerr := prepareManifestReader(r, opt)
		if rerr != nil {
			fatal = true
			writeErr(opt, "%s: %v", lf, rerr)
			clos()
			continue
		}

		br := bufio.NewReader(rr)
		manifestReadErr := false
		goodThisFile := 0
		badThisFile := 0
		lineno := 0

		for {
			raw, rerr := readRecord(br, delim)
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				fatal = true
				manifestReadErr = true
				writeErr(opt, "%s: %v", lf, rerr)
				break
			}

			lineno++
			sum.lines++

			line := strings.TrimRight(string(raw), "\r")
			trim := strings.TrimSpace(line)
			if trim == "" || strings.HasPrefix(trim, "#") {
				continue
			}

			rec, reason := parseRecord(line, opt.lengthBits)
			outcome := outcomeMalformed
			var verr error
			if reason == nil {
				if rec.style == styleDefault && !opt.zero {
					if u, uerr := unescapeFilename(rec.filename); uerr == nil {
						rec.filename = u
					}
				}
				if lf == "-" && rec.filename == "-" {
					/* list is stdin, so the target "-" would also be stdin */
					reason = errors.New("target file '-' is invalid when reading the checksum list from stdin")
				} else {
					goodThisFile++
					outcome, verr = verifyRecord(rec)
				}
			}

			switch outcome {
			case outcomeMalformed:
				sum.malformed++
				badThisFile++
				warnf("%s:%d: %v", lf, lineno, reason)
			case outcomeOK:
				sum.matched++
				if !opt.quiet {
					report(fmt.Sprintf("%s: OK", rec.filename))
				}
			case outcomeMismatch:
				sum.mismatched++
				report(fmt.Sprintf("%s: FAILED", rec.filename))
			case outcomeMissing:
				if os.IsNotExist(verr) && opt.ignoreMissing {
					continue
				}
				sum.unreadable++
				report(fmt.Sprintf("%s: FAILED open or read", rec.filename))
			}
		}

		if badThisFile > 0 && goodThisFile > 0 && !manifestReadErr && !opt.status {
			if badThisFile == 1 {
				fmt.Fprintf(os.Stderr, "%s: WARNING: 1 line is improperly formatted\n", progName)
			} else {
				fmt.Fprintf(os.Stderr, "%s: WARNING: %d lines are improperly formatted\n", progName, badThisFile)
			}
		}

		if goodThisFile == 0 && !manifestReadErr {
			fatal = true
			writeErr(opt, "%s: no properly formatted BLAKE2b checksum lines found", lf)
		}

		clos()
	}

	if sum.unreadable > 0 && !opt.status {
		if sum.unreadable == 1 {
			fmt.Fprintf(os.Stderr, "%s: WARNING: 1 listed file could not be read\n", progName)
		} else {
			fmt.Fprintf(os.Stderr, "%s: WARNING: %d listed files could not be read\n", progName, sum.unreadable)
		}
	}

	if sum.mismatched > 0 && !opt.status {
		fmt.Fprintf(os.Stderr, "%s: WARNING: %d computed checksums did NOT match%s",
			progName, sum.mismatched, sep)
	}

	if opt.ignoreMissing && !fatal &&
		sum.matched == 0 && sum.mismatched == 0 && sum.unreadable == 0 {
		fatal = true
		writeErr(opt, "no file was verified")
	}

	if fatal || sum.mismatched > 0 || sum.unreadable > 0 {
		return exitFailure
	}
	if opt.strict && sum.malformed > 0 {
		return exitFailure
	}
	return exitOK
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [OPTION]... [FILE]...\n", progName)
	fmt.Fprintf(w, "Print or check BLAKE2b (512-bit) checksums.\n")
	fmt.Fprintf(w, "\nWith no FILE, or when FILE is -, read standard input.\n\n")
	fmt.Fprintf(w, "  -c, --check          read BLAKE2b sums from the FILEs and check them\n")
	fmt.Fprintf(w, "  -l, --length=BITS    digest length in bits; must not exceed 512\n")
	fmt.Fprintf(w, "                       and must be a multiple of 8 [default: 512]\n")
	fmt.Fprintf(w, "      --tag            create a BSD-style checksum\n")
	fmt.Fprintf(w, "  -z, --zero           end each output line with NUL, not newline,\n")
	fmt.Fprintf(w, "                       and disable file name escaping\n\n")
	fmt.Fprintf(w, "The following five options are useful only when verifying checksums:\n")
	fmt.Fprintf(w, "      --ignore-missing don't fail or report status for missing files\n")
	fmt.Fprintf(w, "      --quiet          don't print OK for each successfully verified file\n")
	fmt.Fprintf(w, "      --status         don't output anything, status code shows success\n")
	fmt.Fprintf(w, "      --strict         exit non-zero for improperly formatted checksum lines\n")
	fmt.Fprintf(w, "  -w, --warn           warn about improperly formatted checksum lines\n\n")
	fmt.Fprintf(w, "  -o, --output=FILE    write output to FILE instead of standard output\n")
	fmt.Fprintf(w, "  -a, --append         append to the output file instead of truncating it\n")
	fmt.Fprintf(w, "  -h, --help           display this help and exit\n")
	fmt.Fprintf(w, "      --version        output version information and exit\n\n")
	fmt.Fprintf(w, "The sums are computed as described in RFC 7693. When checking, the input\n")
	fmt.Fprintf(w, "should be a former output of this program. The default mode is to print\n")
	fmt.Fprintf(w, "a line with checksum and name for each FILE.\n")
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", progName, progVersion)
}

func newFlagSet(opt *options) (*pflag.FlagSet, *bool, *bool) {
	fs := pflag.NewFlagSet(progName, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.BoolVarP(&opt.check, "check", "c", false, "read BLAKE2b sums from the FILEs and check them")
	fs.IntVarP(&opt.lengthBits, "length", "l", defaultBits, "digest length in bits")
	fs.BoolVar(&opt.tag, "tag", false, "create a BSD-style checksum")
	fs.BoolVarP(&opt.zero, "zero", "z", false, "end each output line with NUL, not newline")
	fs.BoolVar(&opt.ignoreMissing, "ignore-missing", false, "don't fail or report status for missing files")
	fs.BoolVar(&opt.quiet, "quiet", false, "don't print OK for each successfully verified file")
	fs.BoolVar(&opt.status, "status", false, "don't output anything, status code shows success")
	fs.BoolVar(&opt.strict, "strict", false, "exit non-zero for improperly formatted checksum lines")
	fs.BoolVarP(&opt.warn, "warn", "w", false, "warn about improperly formatted checksum lines")
	fs.StringVarP(&opt.outputPath, "output", "o", "", "write output to FILE instead of standard output")
	fs.BoolVarP(&opt.append, "append", "a", false, "append to the output file instead of truncating it")
	help := fs.BoolP("help", "h", false, "display this help and exit")
	version := fs.Bool("version", false, "output version information and exit")

	return fs, help, version
}

func run(argv []string) exitCode {
	var opt options
	fs, help, version := newFlagSet(&opt)

	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			usage(os.Stdout)
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		fmt.Fprintf(os.Stderr, "Try '%s --help' for more information.\n", progName)
		return exitFailure
	}

	if *help {
		usage(os.Stdout)
		return exitOK
	}
	if *version {
		printVersion(os.Stdout)
		return exitOK
	}

	if err := validateLength(opt.lengthBits); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return exitFailure
	}

	if opt.status {
		opt.quiet = true
	}

	out, clos, err := openOutput(&opt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot open output: %v\n", progName, err)
		return exitFailure
	}
	defer clos()

	args := fs.Args()
	if len(args) == 0 {
		args = []string{"-"}
	}

	if opt.check {
		return checkFiles(args, &opt, out)
	}
	return computeFiles(args, &opt, out)
}

func main() {
	os.Exit(int(run(os.Args[1:])))
}
