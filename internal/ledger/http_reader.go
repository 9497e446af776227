package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPReader reads dispute state from a JSON read gateway in front of a chain node.
//
//	GET {base}/entities/{id}        -> entity fields
//	GET {base}/entities/{id}/votes  -> vote tally
//
// Integer fields may be JSON numbers or decimal strings.
type HTTPReader struct {
	base   string
	client *http.Client
}

// NewHTTPReader returns a reader for the gateway at baseURL. A nil client uses http.DefaultClient.
func NewHTTPReader(baseURL string, client *http.Client) *HTTPReader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPReader{base: strings.TrimRight(baseURL, "/"), client: client}
}

type entityDTO struct {
	Status         string  `json:"status"`
	Ruling         string  `json:"ruling"`
	Claimant       string  `json:"claimant"`
	Respondent     string  `json:"respondent"`
	Amount         flexInt `json:"amount"`
	EvidenceURI    string  `json:"evidenceURI"`
	VotingDeadline flexInt `json:"votingDeadline"`
	AppealRound    flexInt `json:"appealRound"`
	RequiredVotes  flexInt `json:"requiredVotes"`
}

type tallyDTO struct {
	ForA    flexInt `json:"forA"`
	ForB    flexInt `json:"forB"`
	Abstain flexInt `json:"abstain"`
}

func (r *HTTPReader) GetEntity(ctx context.Context, id uint64) (Entity, error) {
	var dto entityDTO
	if err := r.get(ctx, fmt.Sprintf("/entities/%d", id), &dto); err != nil {
		return Entity{}, err
	}
	if dto.Status == "" {
		return Entity{}, fmt.Errorf("entity %d: malformed response: missing status", id)
	}
	ruling := Ruling(dto.Ruling)
	if ruling == "" {
		ruling = RulingNone
	}
	e := Entity{
		Status:        Status(dto.Status),
		Ruling:        ruling,
		Claimant:      dto.Claimant,
		Respondent:    dto.Respondent,
		Amount:        dto.Amount.big(),
		EvidenceURI:   dto.EvidenceURI,
		AppealRound:   dto.AppealRound.uint64(),
		RequiredVotes: dto.RequiredVotes.uint64(),
	}
	if secs := dto.VotingDeadline.uint64(); secs > 0 {
		e.VotingDeadline = time.Unix(int64(secs), 0).UTC()
	}
	return e, nil
}

func (r *HTTPReader) GetVoteTally(ctx context.Context, id uint64) (VoteTally, error) {
	var dto tallyDTO
	if err := r.get(ctx, fmt.Sprintf("/entities/%d/votes", id), &dto); err != nil {
		return VoteTally{}, err
	}
	return VoteTally{
		ForA:    dto.ForA.uint64(),
		ForB:    dto.ForB.uint64(),
		Abstain: dto.Abstain.uint64(),
	}, nil
}

func (r *HTTPReader) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+path, nil)
	if err != nil {
		return fmt.Errorf("ledger request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledger response %s: %w", path, err)
	}
	return nil
}

// flexInt accepts an unsigned integer encoded either as a JSON number or a decimal string.
type flexInt struct {
	v *big.Int
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		f.v = nil
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	if s == "" {
		f.v = nil
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return fmt.Errorf("invalid unsigned integer %q", s)
	}
	f.v = n
	return nil
}

func (f flexInt) big() *big.Int {
	if f.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(f.v)
}

func (f flexInt) uint64() uint64 {
	if f.v == nil || !f.v.IsUint64() {
		return 0
	}
	return f.v.Uint64()
}
