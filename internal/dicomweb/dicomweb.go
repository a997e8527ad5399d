// Package dicomweb implements the WADO-RS / QIDO-RS / STOW-RS client used
// by the Data-Retrieval Service and the Export Service's DICOMweb variant
//. It is grounded on the DICOMweb server-handler
// shapes surveyed in the example pack's
// OtchereDev-ris-dicom-connector/internal/handlers/dicomweb.go (QIDO
// query-param and WADO path-segment conventions), inverted into client
// calls.
package dicomweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/model"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/secrets"
)

const dicomContentType = "application/dicom"

// SavedFile describes one file WADO wrote to disk.
type SavedFile struct {
	SopInstanceUID string
	Path           string
}

// Client is a DICOMweb client bound to one base URI. The credential is
// passed to each call.
type Client struct {
	baseURI string
	http    *http.Client
}

// NewClient returns a Client against baseURI (e.g. "http://pacs/dicomweb").
func NewClient(baseURI string) *Client {
	return &Client{baseURI: strings.TrimRight(baseURI, "/"), http: &http.Client{Timeout: 2 * time.Minute}}
}

func (c *Client) authorize(req *http.Request, token *secrets.Token, authType model.AuthType) error {
	header, err := token.Authorization(secrets.AuthType(authType))
	if err != nil {
		return apperrors.New(apperrors.KindInferenceRequestException, err)
	}
	req.Header.Set("Authorization", header)
	return nil
}

// RetrieveStudy performs a WADO-RS study-level retrieve, writing each
// returned instance under destDir.
func (c *Client) RetrieveStudy(ctx context.Context, studyUID, destDir string, token *secrets.Token, authType model.AuthType) ([]SavedFile, error) {
	return c.retrieve(ctx, fmt.Sprintf("%s/studies/%s", c.baseURI, studyUID), destDir, token, authType)
}

// RetrieveSeries performs a WADO-RS series-level retrieve.
func (c *Client) RetrieveSeries(ctx context.Context, studyUID, seriesUID, destDir string, token *secrets.Token, authType model.AuthType) ([]SavedFile, error) {
	return c.retrieve(ctx, fmt.Sprintf("%s/studies/%s/series/%s", c.baseURI, studyUID, seriesUID), destDir, token, authType)
}

// RetrieveInstance performs a WADO-RS instance-level retrieve.
func (c *Client) RetrieveInstance(ctx context.Context, studyUID, seriesUID, sopUID, destDir string, token *secrets.Token, authType model.AuthType) ([]SavedFile, error) {
	return c.retrieve(ctx, fmt.Sprintf("%s/studies/%s/series/%s/instances/%s", c.baseURI, studyUID, seriesUID, sopUID), destDir, token, authType)
}

func (c *Client) retrieve(ctx context.Context, reqURL, destDir string, token *secrets.Token, authType model.AuthType) ([]SavedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.KindPermanentTransport, err)
	}
	req.Header.Set("Accept", `multipart/related; type="application/dicom"`)
	if err := c.authorize(req, token, authType); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.KindTransientTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.KindTransientTransport, fmt.Errorf("wado retrieve: %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return nil, apperrors.New(apperrors.KindPermanentTransport, fmt.Errorf("wado retrieve: %s", resp.Status))
	}

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, apperrors.New(apperrors.KindDataCorruption, err)
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, apperrors.New(apperrors.KindDataCorruption, fmt.Errorf("wado response missing multipart boundary"))
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.KindIOOther, err)
	}

	var saved []SavedFile
	mr := multipart.NewReader(resp.Body, boundary)
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return saved, apperrors.New(apperrors.KindDataCorruption, err)
		}
		saved = append(saved, savePart(part, destDir, i))
	}
	return saved, nil
}

func savePart(part *multipart.Part, destDir string, index int) SavedFile {
	name := partSopUID(part.Header)
	if name == "" {
		name = fmt.Sprintf("instance-%d", index)
	}
	path := filepath.Join(destDir, name+".dcm")
	f, err := os.Create(path)
	if err != nil {
		return SavedFile{}
	}
	defer f.Close()
	io.Copy(f, part)
	return SavedFile{SopInstanceUID: name, Path: path}
}

func partSopUID(h textproto.MIMEHeader) string {
	cd := h.Get("Content-Location")
	if cd == "" {
		return ""
	}
	segs := strings.Split(cd, "/")
	return segs[len(segs)-1]
}

// QidoResult is one row of a QIDO-RS study query response.
type QidoResult struct {
	StudyInstanceUID string
}

// QueryStudiesByPatientID performs a QIDO-RS study search filtered by
// PatientID.
func (c *Client) QueryStudiesByPatientID(ctx context.Context, patientID string, token *secrets.Token, authType model.AuthType) ([]QidoResult, error) {
	return c.queryStudies(ctx, url.Values{"PatientID": {patientID}}, token, authType)
}

// QueryStudiesByAccessionNumber performs a QIDO-RS study search filtered by
// AccessionNumber.
func (c *Client) QueryStudiesByAccessionNumber(ctx context.Context, accessionNumber string, token *secrets.Token, authType model.AuthType) ([]QidoResult, error) {
	return c.queryStudies(ctx, url.Values{"AccessionNumber": {accessionNumber}}, token, authType)
}

func (c *Client) queryStudies(ctx context.Context, query url.Values, token *secrets.Token, authType model.AuthType) ([]QidoResult, error) {
	reqURL := fmt.Sprintf("%s/studies?%s", c.baseURI, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.KindPermanentTransport, err)
	}
	req.Header.Set("Accept", "application/dicom+json")
	if err := c.authorize(req, token, authType); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.KindTransientTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.KindTransientTransport, fmt.Errorf("qido query: %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return nil, apperrors.New(apperrors.KindPermanentTransport, fmt.Errorf("qido query: %s", resp.Status))
	}

	var rows []map[string]struct {
		Value []string `json:"Value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, apperrors.New(apperrors.KindDataCorruption, err)
	}

	out := make([]QidoResult, 0, len(rows))
	for _, row := range rows {
		if tag, ok := row["0020000D"]; ok && len(tag.Value) > 0 {
			out = append(out, QidoResult{StudyInstanceUID: tag.Value[0]})
		}
	}
	return out, nil
}

// StoreStudies performs a STOW-RS multipart upload of files to uri, used
// by the Export Service's DICOMweb variant. It returns the
// HTTP status code; the caller maps 200 to success per the spec.
func (c *Client) StoreStudies(ctx context.Context, uri string, files []string, token *secrets.Token, authType model.AuthType) (int, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()
		for _, path := range files {
			header := textproto.MIMEHeader{}
			header.Set("Content-Type", dicomContentType)
			part, err := mw.CreatePart(header)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			f, err := os.Open(path)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, copyErr := io.Copy(part, f)
			f.Close()
			if copyErr != nil {
				pw.CloseWithError(copyErr)
				return
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, pr)
	if err != nil {
		return 0, apperrors.New(apperrors.KindPermanentTransport, err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, mw.Boundary()))
	req.Header.Set("Accept", "application/dicom+json")
	if err := c.authorize(req, token, authType); err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, apperrors.New(apperrors.KindTransientTransport, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
