package credentials

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoCredentials is returned when a source yields no usable token.
var ErrNoCredentials = errors.New("no credentials available")

// Credential is an opaque bearer token used for one job's remote calls.
type Credential struct {
	Token string
}

// Masked returns a log-safe form of the token.
func (c Credential) Masked() string {
	if len(c.Token) <= 8 {
		return "****"
	}
	return c.Token[:4] + "..." + c.Token[len(c.Token)-4:]
}

// Source describes where tokens come from. File takes precedence over Token.
type Source struct {
	File  string
	Token string
}

// Load reads newline-delimited tokens from src.File, skipping blank lines and
// lines starting with '#'. When no file is configured the single inline token is used.
func Load(src Source) ([]Credential, error) {
	var out []Credential
	if src.File != "" {
		f, err := os.Open(src.File)
		if err != nil {
			return nil, errors.Wrap(err, "open credentials file")
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, Credential{Token: line})
		}
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrap(err, "read credentials file")
		}
	} else if tok := strings.TrimSpace(src.Token); tok != "" {
		out = append(out, Credential{Token: tok})
	}

	if len(out) == 0 {
		return nil, ErrNoCredentials
	}
	return out, nil
}

// Pool hands out credentials round-robin over a fixed list.
type Pool struct {
	mu      sync.Mutex
	list    []Credential
	counter int
}

// NewPool copies list into a new pool.
func NewPool(list []Credential) *Pool {
	cp := make([]Credential, len(list))
	copy(cp, list)
	return &Pool{list: cp}
}

func (p *Pool) Len() int {
	return len(p.list)
}

// Next returns list[counter % len(list)] and advances the counter.
// It returns false when the pool is empty.
func (p *Pool) Next() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.list) == 0 {
		return Credential{}, false
	}
	c := p.list[p.counter%len(p.list)]
	p.counter++
	return c, true
}
