package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"

	"ciphertoken/pkg/cipher"
	"ciphertoken/pkg/domain"
	"ciphertoken/svc/svc"
	"ciphertoken/svc/util"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

type Hdl struct {
	cipher *svc.Cipher
}

type EncryptReq struct {
	Message string          `json:"message"`
	Shift   json.RawMessage `json:"shift,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type DecryptReq struct {
	Encrypted string `json:"encrypted"`
	Hash      string `json:"hash"`
}

func (h *Hdl) Encrypt(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	owner, _ := util.GetOwner(r.Context())
	var req EncryptReq
	if err := decodeJSON(r, &req); err != nil {
		log.Warn().Err(err).Msg("invalid encrypt request")
		writeErr(w, r, err)
		return
	}
	alg, err := cipher.Parse(req.Method)
	if err != nil {
		writeErr(w, r, domain.ErrUnknownMethod)
		return
	}
	shift, ok := parseShift(req.Shift)
	if !ok && cipher.RequiresShift(alg) {
		writeErr(w, r, domain.ErrShiftRequired)
		return
	}
	res, err := h.cipher.Encrypt(r.Context(), domain.EncryptParams{
		Owner:     owner,
		Message:   req.Message,
		Algorithm: alg,
		Shift:     shift,
	})
	if err != nil {
		if domain.Status(err) < http.StatusInternalServerError {
			log.Debug().Err(err).Msg("encrypt rejected")
		}
		writeErr(w, r, err)
		return
	}
	log.Info().
		Str("owner", owner).
		Str("method", string(res.Method)).
		Str("hash", util.RedactToken(res.Hash)).
		Msg("token minted")
	writeJSON(w, http.StatusOK, res)
}

func (h *Hdl) Decrypt(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	owner, _ := util.GetOwner(r.Context())
	var req DecryptReq
	if err := decodeJSON(r, &req); err != nil {
		log.Warn().Err(err).Msg("invalid decrypt request")
		writeErr(w, r, err)
		return
	}
	res, err := h.cipher.Decrypt(r.Context(), domain.DecryptParams{
		Owner:     owner,
		Encrypted: req.Encrypted,
		Hash:      req.Hash,
	})
	if err != nil {
		if domain.Status(err) < http.StatusInternalServerError {
			log.Info().
				Str("owner", owner).
				Str("hash", util.RedactToken(req.Hash)).
				Str("kind", string(domain.KindOf(err))).
				Msg("decrypt rejected")
		}
		writeErr(w, r, err)
		return
	}
	log.Info().
		Str("owner", owner).
		Str("hash", util.RedactToken(req.Hash)).
		Msg("token consumed")
	writeJSON(w, http.StatusOK, res)
}

func (h *Hdl) Methods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cipher.Methods())
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return domain.ErrMessageTooLarge
		}
		if err == io.EOF {
			return errors.Wrap(domain.ErrInvalidRequest, "empty body")
		}
		return errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	return nil
}

// parseShift accepts an absent or null shift (nil) or any JSON number with an
// integral value, so 3 and 3.0 are the same shift. ok is false for strings,
// fractions and values outside int64.
func parseShift(raw json.RawMessage) (shift *int, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	n, isNum := v.(json.Number)
	if !isNum {
		return nil, false
	}
	if i, err := n.Int64(); err == nil {
		s := int(i)
		return &s, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, false
	}
	s := int(f)
	return &s, true
}
