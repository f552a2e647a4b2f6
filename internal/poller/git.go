package poller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// lsRemote lists a repository's refs over the git smart-HTTP protocol
// (info/refs with the upload-pack service), returning ref name to commit
// sha. No clone and no git binary needed.
func lsRemote(ctx context.Context, client *http.Client, repoURL, token string) (map[string]string, error) {
	url := strings.TrimSuffix(repoURL, "/") + "/info/refs?service=git-upload-pack"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("refs request: %w", err)
	}
	setAuth(req, token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list refs %s: %w", repoURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list refs %s: unexpected status %s", repoURL, resp.Status)
	}
	return parseRefs(resp.Body)
}

func setAuth(req *http.Request, token string) {
	if token == "" {
		return
	}
	if user, pass, ok := strings.Cut(token, ":"); ok {
		req.SetBasicAuth(user, pass)
		return
	}
	req.SetBasicAuth("git", token)
}

// parseRefs decodes the pkt-line advertisement: a service banner, a flush
// packet, then one "<sha> <ref>" line per ref. The first ref line carries a
// NUL-separated capability list that gets dropped.
func parseRefs(r io.Reader) (map[string]string, error) {
	refs := map[string]string{}
	br := bufio.NewReader(r)
	for {
		pkt, err := readPktLine(br)
		if err == io.EOF {
			return refs, nil
		}
		if err != nil {
			return nil, err
		}
		if pkt == "" || strings.HasPrefix(pkt, "#") {
			continue
		}
		pkt = strings.TrimSuffix(pkt, "\n")
		if nul := strings.IndexByte(pkt, 0); nul >= 0 {
			pkt = pkt[:nul]
		}
		sha, ref, ok := strings.Cut(pkt, " ")
		if !ok || len(sha) != 40 {
			return nil, fmt.Errorf("malformed ref line %q", pkt)
		}
		refs[ref] = sha
	}
}

// readPktLine reads one pkt-line. A flush packet (0000) returns the empty
// string.
func readPktLine(br *bufio.Reader) (string, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(br, head); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", io.EOF
		}
		return "", err
	}
	size, err := strconv.ParseUint(string(head), 16, 16)
	if err != nil {
		return "", fmt.Errorf("bad pkt-line length %q: %w", head, err)
	}
	if size == 0 {
		return "", nil
	}
	if size < 4 {
		return "", fmt.Errorf("bad pkt-line length %d", size)
	}
	payload := make([]byte, size-4)
	if _, err := io.ReadFull(br, payload); err != nil {
		return "", fmt.Errorf("short pkt-line: %w", err)
	}
	return string(payload), nil
}
