package activitypub

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/domain"
	"github.com/dunglas/httpsfv"
	"github.com/go-fed/httpsig"
)

// SignatureVerificationError rejects an inbound request
type SignatureVerificationError struct {
	Reason string
	Err    error
}

func (e *SignatureVerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature verification failed: %s: %v", e.Reason, e.Err)
	}
	return "signature verification failed: " + e.Reason
}

func (e *SignatureVerificationError) Unwrap() error {
	return e.Err
}

func (e *SignatureVerificationError) StatusCode() int {
	return http.StatusUnauthorized
}

func verificationError(reason string, err error) error {
	return &SignatureVerificationError{Reason: reason, Err: err}
}

// Verifier checks inbound signatures in both the Cavage draft and the
// RFC 9421 wire formats
type Verifier struct {
	fetcher      ActorFetcher
	maxClockSkew time.Duration
	now          func() time.Time
	logger       *log.Logger
}

func NewVerifier(fetcher ActorFetcher, maxClockSkew time.Duration, now func() time.Time) *Verifier {
	return &Verifier{
		fetcher:      fetcher,
		maxClockSkew: maxClockSkew,
		now:          now,
		logger:       log.WithPrefix("Signature"),
	}
}

// Verify checks the request's signature and digest against body and returns
// the URI of the actor owning the signing key
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (string, error) {
	if err := checkDigests(r.Header, body); err != nil {
		return "", err
	}

	switch {
	case r.Header.Get("Signature-Input") != "" && r.Header.Get("Signature") != "":
		return v.verifyMessageSignature(ctx, r, body)
	case r.Header.Get("Signature") != "":
		return v.verifyCavage(ctx, r, body)
	default:
		return "", verificationError("missing signature", nil)
	}
}

func (v *Verifier) verifyCavage(ctx context.Context, r *http.Request, body []byte) (string, error) {
	params := parseCavageParams(r.Header.Get("Signature"))
	keyId := params["keyId"]
	if keyId == "" || params["signature"] == "" {
		return "", verificationError("malformed signature header", nil)
	}

	headers := strings.Fields(strings.ToLower(params["headers"]))
	if len(headers) == 0 {
		headers = []string{"date"}
	}
	if len(body) > 0 && !contains(headers, "digest") {
		return "", verificationError("digest is not signed", nil)
	}
	if contains(headers, "date") {
		if err := v.checkDate(r.Header.Get("Date")); err != nil {
			return "", err
		}
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", verificationError("malformed signature header", err)
	}

	return v.withKey(ctx, verifier.KeyId(), func(pub crypto.PublicKey) error {
		return verifier.Verify(pub, cavageAlgorithm(pub, params["algorithm"]))
	})
}

func (v *Verifier) verifyMessageSignature(ctx context.Context, r *http.Request, body []byte) (string, error) {
	inputs, err := httpsfv.UnmarshalDictionary(r.Header.Values("Signature-Input"))
	if err != nil {
		return "", verificationError("malformed Signature-Input", err)
	}
	signatures, err := httpsfv.UnmarshalDictionary(r.Header.Values("Signature"))
	if err != nil {
		return "", verificationError("malformed Signature", err)
	}

	lastErr := verificationError("no usable signature", nil)
	for _, label := range inputs.Names() {
		member, ok := signatures.Get(label)
		if !ok {
			continue
		}
		sig, ok := byteSequence(member)
		if !ok {
			lastErr = verificationError("malformed signature value", nil)
			continue
		}
		declared, _ := inputs.Get(label)
		input, err := signatureInputOf(declared)
		if err != nil {
			lastErr = verificationError("malformed Signature-Input", err)
			continue
		}

		actor, err := v.verifyInput(ctx, r, body, input, sig)
		if err == nil {
			return actor, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (v *Verifier) verifyInput(ctx context.Context, r *http.Request, body []byte, input *signatureInput, sig []byte) (string, error) {
	if input.KeyID == "" {
		return "", verificationError("missing keyid", nil)
	}
	if len(body) > 0 && !input.covers("content-digest") && !input.covers("digest") {
		return "", verificationError("digest is not signed", nil)
	}

	now := v.now()
	if input.Expires != 0 && now.Unix() > input.Expires {
		return "", verificationError("signature expired", nil)
	}
	if input.Created != 0 && v.maxClockSkew > 0 {
		if skew := now.Sub(time.Unix(input.Created, 0)); skew > v.maxClockSkew || skew < -v.maxClockSkew {
			return "", verificationError("signature creation time out of range", nil)
		}
	}

	base, err := signatureBase(r, input)
	if err != nil {
		return "", verificationError("cannot build signature base", err)
	}

	return v.withKey(ctx, input.KeyID, func(pub crypto.PublicKey) error {
		return verifyMessage(pub, input.Alg, []byte(base), sig)
	})
}

// withKey resolves keyId to a public key and runs check with it. A cached
// key that fails is refetched once in case the remote actor rotated it.
func (v *Verifier) withKey(ctx context.Context, keyId string, check func(crypto.PublicKey) error) (string, error) {
	uri := stripFragment(keyId)
	doc, err := v.fetcher.FetchActor(ctx, uri)
	if err != nil {
		return "", verificationError("actor profile unreachable", err)
	}

	err = checkWithDocument(doc, check)
	if err == nil {
		return keyOwner(doc), nil
	}

	if refresher, ok := v.fetcher.(actorRefresher); ok {
		fresh, ferr := refresher.RefreshActor(ctx, uri)
		if ferr != nil {
			v.logger.Debug("Key refresh failed", "key", keyId, "err", ferr)
			return "", err
		}
		if rerr := checkWithDocument(fresh, check); rerr == nil {
			return keyOwner(fresh), nil
		}
	}
	return "", err
}

func checkWithDocument(doc *domain.ActorDocument, check func(crypto.PublicKey) error) error {
	keyPem := doc.KeyPem()
	if keyPem == "" {
		return verificationError("missing public key", nil)
	}
	pub, err := ParsePublicKey(keyPem)
	if err != nil {
		return verificationError("missing public key", err)
	}
	if err := check(pub); err != nil {
		return verificationError("invalid signature", err)
	}
	return nil
}

func keyOwner(doc *domain.ActorDocument) string {
	switch {
	case doc.PublicKey.Owner != "":
		return doc.PublicKey.Owner
	case doc.Owner != "":
		return doc.Owner
	}
	return doc.ID
}

func (v *Verifier) checkDate(date string) error {
	if v.maxClockSkew <= 0 {
		return nil
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return verificationError("invalid date header", err)
	}
	if skew := v.now().Sub(t); skew > v.maxClockSkew || skew < -v.maxClockSkew {
		return verificationError("date header out of range", nil)
	}
	return nil
}

func cavageAlgorithm(pub crypto.PublicKey, declared string) httpsig.Algorithm {
	switch pub.(type) {
	case ed25519.PublicKey:
		return httpsig.Algorithm("ed25519")
	case *ecdsa.PublicKey:
		return httpsig.Algorithm("ecdsa-sha256")
	}
	if strings.EqualFold(declared, string(httpsig.RSA_SHA512)) {
		return httpsig.RSA_SHA512
	}
	return httpsig.RSA_SHA256
}

// checkDigests validates Digest and Content-Digest against body when present
func checkDigests(h http.Header, body []byte) error {
	if digest := h.Get("Digest"); digest != "" {
		if err := matchLegacyDigest(digest, body); err != nil {
			return err
		}
	}
	if values := h.Values("Content-Digest"); len(values) > 0 {
		if err := matchContentDigest(values, body); err != nil {
			return err
		}
	}
	return nil
}

func matchLegacyDigest(header string, body []byte) error {
	digests := make(map[string][]byte)
	for _, entry := range strings.Split(header, ",") {
		alg, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		expected, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return verificationError("malformed digest", err)
		}
		digests[strings.ToLower(alg)] = expected
	}
	return matchDigests(digests, body)
}

func matchContentDigest(values []string, body []byte) error {
	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return verificationError("malformed digest", err)
	}
	digests := make(map[string][]byte)
	for _, alg := range dict.Names() {
		member, _ := dict.Get(alg)
		expected, ok := byteSequence(member)
		if !ok {
			return verificationError("malformed digest", nil)
		}
		digests[alg] = expected
	}
	return matchDigests(digests, body)
}

// matchDigests requires every supported algorithm present to match body
func matchDigests(digests map[string][]byte, body []byte) error {
	checked := false
	for alg, expected := range digests {
		var sum []byte
		switch alg {
		case "sha-256":
			s := sha256.Sum256(body)
			sum = s[:]
		case "sha-512":
			s := sha512.Sum512(body)
			sum = s[:]
		default:
			continue
		}
		if subtle.ConstantTimeCompare(expected, sum) != 1 {
			return verificationError("digest mismatch", nil)
		}
		checked = true
	}
	if !checked {
		return verificationError("unsupported digest algorithm", nil)
	}
	return nil
}

// parseCavageParams splits keyId="..",algorithm="..",... into a map
func parseCavageParams(header string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[key] = strings.Trim(value, `"`)
	}
	return params
}

// signatureInput is one Signature-Input member
type signatureInput struct {
	Components []httpsfv.Item
	KeyID      string
	Alg        string
	Created    int64
	Expires    int64
	Params     string
}

func signatureInputOf(member httpsfv.Member) (*signatureInput, error) {
	list, ok := member.(httpsfv.InnerList)
	if !ok {
		return nil, errors.New("expected inner list")
	}
	params, err := httpsfv.Marshal(httpsfv.List{list})
	if err != nil {
		return nil, err
	}

	input := &signatureInput{Params: params}
	for _, item := range list.Items {
		if _, ok := item.Value.(string); !ok {
			return nil, fmt.Errorf("invalid component %v", item.Value)
		}
		input.Components = append(input.Components, item)
	}
	if list.Params == nil {
		return input, nil
	}

	for _, name := range list.Params.Names() {
		value, _ := list.Params.Get(name)
		switch name {
		case "keyid", "alg":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s parameter", name)
			}
			if name == "keyid" {
				input.KeyID = s
			} else {
				input.Alg = s
			}
		case "created", "expires":
			n, ok := value.(int64)
			if !ok {
				return nil, fmt.Errorf("invalid %s parameter", name)
			}
			if name == "created" {
				input.Created = n
			} else {
				input.Expires = n
			}
		}
	}
	return input, nil
}

func (in *signatureInput) covers(name string) bool {
	for _, c := range in.Components {
		if strings.EqualFold(componentName(c), name) {
			return true
		}
	}
	return false
}

func componentName(c httpsfv.Item) string {
	name, _ := c.Value.(string)
	return name
}

func componentParam(c httpsfv.Item, name string) (interface{}, bool) {
	if c.Params == nil {
		return nil, false
	}
	return c.Params.Get(name)
}

// signatureBase builds the RFC 9421 signature base for the covered components
func signatureBase(r *http.Request, input *signatureInput) (string, error) {
	var b strings.Builder
	for _, c := range input.Components {
		id, err := httpsfv.Marshal(httpsfv.List{c})
		if err != nil {
			return "", err
		}
		values, err := componentValues(r, c)
		if err != nil {
			return "", err
		}
		for _, value := range values {
			b.WriteString(id + ": " + value + "\n")
		}
	}
	b.WriteString(`"@signature-params": ` + input.Params)
	return b.String(), nil
}

// componentValues returns one value per line of the base, which is more than
// one only for a repeated query parameter
func componentValues(r *http.Request, c httpsfv.Item) ([]string, error) {
	name := strings.ToLower(componentName(c))
	allowed := map[string]bool{"sf": true, "key": true, "bs": true}
	if strings.HasPrefix(name, "@") {
		allowed = map[string]bool{"name": name == "@query-param"}
	}
	if c.Params != nil {
		for _, p := range c.Params.Names() {
			if !allowed[p] {
				return nil, fmt.Errorf("unsupported parameter %s on %s", p, name)
			}
		}
	}

	if strings.HasPrefix(name, "@") {
		return derivedValues(r, c, name)
	}
	value, err := fieldValue(r, c, name)
	if err != nil {
		return nil, err
	}
	return []string{value}, nil
}

func derivedValues(r *http.Request, c httpsfv.Item, name string) ([]string, error) {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	switch name {
	case "@method":
		return []string{r.Method}, nil
	case "@target-uri":
		return []string{requestScheme(r) + "://" + host + r.URL.RequestURI()}, nil
	case "@authority":
		return []string{strings.ToLower(host)}, nil
	case "@scheme":
		return []string{requestScheme(r)}, nil
	case "@request-target":
		return []string{r.URL.RequestURI()}, nil
	case "@path":
		if path := r.URL.EscapedPath(); path != "" {
			return []string{path}, nil
		}
		return []string{"/"}, nil
	case "@query":
		return []string{"?" + r.URL.RawQuery}, nil
	case "@query-param":
		return queryParamValues(r, c)
	}
	return nil, fmt.Errorf("unsupported derived component %s", name)
}

func queryParamValues(r *http.Request, c httpsfv.Item) ([]string, error) {
	param, _ := componentParam(c, "name")
	encoded, ok := param.(string)
	if !ok {
		return nil, errors.New("@query-param requires a name")
	}
	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	key, err := url.QueryUnescape(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid query parameter name %s", encoded)
	}
	values, ok := query[key]
	if !ok {
		return nil, fmt.Errorf("missing query parameter %s", encoded)
	}
	lines := make([]string, len(values))
	for i, v := range values {
		lines[i] = queryEscape(v)
	}
	return lines, nil
}

// queryEscape percent-encodes like the form encoder but writes spaces as %20
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func fieldValue(r *http.Request, c httpsfv.Item, name string) (string, error) {
	values := r.Header.Values(name)
	if name == "host" && len(values) == 0 {
		host := r.Host
		if host == "" {
			host = r.URL.Host
		}
		if host != "" {
			values = []string{host}
		}
	}
	if len(values) == 0 {
		return "", fmt.Errorf("missing header %s", name)
	}

	key, byKey := componentParam(c, "key")
	_, structured := componentParam(c, "sf")
	_, binary := componentParam(c, "bs")
	switch {
	case binary && (byKey || structured):
		return "", fmt.Errorf("bs cannot be combined with other parameters on %s", name)
	case binary:
		list := make(httpsfv.List, len(values))
		for i, v := range values {
			list[i] = httpsfv.NewItem([]byte(strings.TrimSpace(v)))
		}
		return httpsfv.Marshal(list)
	case byKey:
		k, ok := key.(string)
		if !ok {
			return "", fmt.Errorf("invalid key parameter on %s", name)
		}
		dict, err := httpsfv.UnmarshalDictionary(values)
		if err != nil {
			return "", fmt.Errorf("%s is not a dictionary: %w", name, err)
		}
		member, ok := dict.Get(k)
		if !ok {
			return "", fmt.Errorf("missing member %s of %s", k, name)
		}
		return httpsfv.Marshal(httpsfv.List{member})
	case structured:
		return reserialize(values)
	}

	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}
	return strings.Join(trimmed, ", "), nil
}

// reserialize returns the canonical form of a structured field of unknown type
func reserialize(values []string) (string, error) {
	if dict, err := httpsfv.UnmarshalDictionary(values); err == nil {
		return httpsfv.Marshal(dict)
	}
	if list, err := httpsfv.UnmarshalList(values); err == nil {
		return httpsfv.Marshal(list)
	}
	item, err := httpsfv.UnmarshalItem(values)
	if err != nil {
		return "", fmt.Errorf("not a structured field: %w", err)
	}
	return httpsfv.Marshal(item)
}

// requestScheme defaults to https, the usual case behind a TLS terminating proxy
func requestScheme(r *http.Request) string {
	switch {
	case r.URL.Scheme != "":
		return r.URL.Scheme
	case r.TLS != nil:
		return "https"
	case r.Header.Get("X-Forwarded-Proto") != "":
		return r.Header.Get("X-Forwarded-Proto")
	}
	return "https"
}

func verifyMessage(pub crypto.PublicKey, alg string, base, sig []byte) error {
	switch alg {
	case "rsa-v1_5-sha256":
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return errors.New("key is not RSA")
		}
		sum := sha256.Sum256(base)
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], sig)
	case "rsa-pss-sha512":
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return errors.New("key is not RSA")
		}
		sum := sha512.Sum512(base)
		return rsa.VerifyPSS(key, crypto.SHA512, sum[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	case "ecdsa-p256-sha256":
		sum := sha256.Sum256(base)
		return verifyECDSA(pub, elliptic.P256(), sum[:], sig)
	case "ecdsa-p384-sha384":
		sum := sha512.Sum384(base)
		return verifyECDSA(pub, elliptic.P384(), sum[:], sig)
	case "ed25519":
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return errors.New("key is not Ed25519")
		}
		if !ed25519.Verify(key, base, sig) {
			return errors.New("ed25519 signature mismatch")
		}
		return nil
	case "":
		return verifyMessage(pub, inferAlgorithm(pub), base, sig)
	}
	return fmt.Errorf("unsupported algorithm %s", alg)
}

func inferAlgorithm(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return "ed25519"
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P384() {
			return "ecdsa-p384-sha384"
		}
		return "ecdsa-p256-sha256"
	}
	return "rsa-v1_5-sha256"
}

func verifyECDSA(pub crypto.PublicKey, curve elliptic.Curve, digest, sig []byte) error {
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok || key.Curve != curve {
		return errors.New("key does not match algorithm curve")
	}
	size := (curve.Params().BitSize + 7) / 8
	if len(sig) != 2*size {
		return errors.New("invalid ecdsa signature length")
	}
	r := new(big.Int).SetBytes(sig[:size])
	s := new(big.Int).SetBytes(sig[size:])
	if !ecdsa.Verify(key, digest, r, s) {
		return errors.New("ecdsa signature mismatch")
	}
	return nil
}

func byteSequence(member httpsfv.Member) ([]byte, bool) {
	item, ok := member.(httpsfv.Item)
	if !ok {
		return nil, false
	}
	b, ok := item.Value.([]byte)
	return b, ok
}

func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
