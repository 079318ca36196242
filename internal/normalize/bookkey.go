package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ISBNKeyPrefix marks book keys derived from an ISBN-13
const ISBNKeyPrefix = "isbn:"

var lower = cases.Lower(language.Und)

// nameSuffixes are trailing author name parts that are not the surname
var nameSuffixes = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true, "phd": true, "md": true,
}

// BookKey derives the stable key for a book. A valid ISBN wins; otherwise the key is
// built from the title and the first author's surname, e.g. "dune-herbert".
// It returns "" when neither is usable.
func BookKey(title, author, isbn string) string {
	if isbn13 := NormalizeISBN(isbn); isbn13 != "" {
		return ISBNKeyPrefix + isbn13
	}

	t := TitleSlug(title)
	s := slug(Surname(author))
	if t == "" || s == "" {
		return ""
	}
	return t + "-" + s
}

// TitleSlug folds a title to its comparable core: no diacritics, no series
// annotation, no subtitle, lower-case words joined by '-'
func TitleSlug(title string) string {
	title = dropBracketed(title)
	if i := strings.Index(title, ":"); i > 0 {
		title = title[:i]
	}
	return slug(title)
}

// Surname returns the last name of the first author. Both "Last, First" and
// "First Last" are understood; generational suffixes are ignored.
func Surname(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return ""
	}
	if i := strings.Index(author, ","); i >= 0 {
		last := strings.TrimSpace(author[:i])
		rest := strings.Trim(strings.TrimSpace(author[i+1:]), ".")
		// "King, Stephen" vs "Stephen King, Jr."
		if !nameSuffixes[lower.String(rest)] {
			return last
		}
		author = last
	}
	parts := strings.Fields(author)
	for i := len(parts) - 1; i >= 0; i-- {
		p := strings.Trim(parts[i], ".,")
		if p != "" && !nameSuffixes[lower.String(p)] {
			return p
		}
	}
	return ""
}

// DisplayAuthor rewrites "Last, First" to "First Last"
func DisplayAuthor(author string) string {
	author = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(author), ":"))
	last, first, ok := strings.Cut(author, ",")
	if !ok {
		return author
	}
	first = strings.TrimSpace(first)
	if first == "" || nameSuffixes[lower.String(strings.Trim(first, "."))] {
		return author
	}
	return first + " " + strings.TrimSpace(last)
}

// FirstAuthor returns the first name of a comma separated author list
func FirstAuthor(authors string) string {
	first, _, _ := strings.Cut(authors, ",")
	return strings.TrimSpace(first)
}

func slug(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	folded = lower.String(folded)

	var b strings.Builder
	pendingDash := false
	for _, r := range folded {
		if r == '\'' || r == '’' {
			// apostrophes join words: "ender's" -> "enders"
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// dropBracketed removes "(...)" and "[...]" segments such as series annotations
func dropBracketed(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// NormalizeISBN returns the ISBN-13 form of a valid ISBN-10 or ISBN-13, or "" if
// the input is not a valid ISBN. Spreadsheet wrappers like ="0441013597" are tolerated.
func NormalizeISBN(raw string) string {
	var digits []byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, c)
		case c == 'X' || c == 'x':
			digits = append(digits, 'X')
		case c == '-' || c == ' ' || c == '=' || c == '"':
		default:
			return ""
		}
	}

	switch len(digits) {
	case 10:
		if !validISBN10(digits) {
			return ""
		}
		isbn13 := append([]byte("978"), digits[:9]...)
		return string(append(isbn13, isbn13CheckDigit(isbn13)))
	case 13:
		if strings.IndexByte(string(digits), 'X') >= 0 {
			return ""
		}
		if digits[12] != isbn13CheckDigit(digits[:12]) {
			return ""
		}
		return string(digits)
	default:
		return ""
	}
}

func validISBN10(d []byte) bool {
	sum := 0
	for i, c := range d {
		var v int
		switch {
		case c == 'X' && i == 9:
			v = 10
		case c >= '0' && c <= '9':
			v = int(c - '0')
		default:
			return false
		}
		sum += v * (10 - i)
	}
	return sum%11 == 0
}

func isbn13CheckDigit(d []byte) byte {
	sum := 0
	for i, c := range d[:12] {
		v := int(c - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return byte('0' + (10-sum%10)%10)
}
