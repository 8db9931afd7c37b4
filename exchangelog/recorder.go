// Package exchangelog keeps the raw request/response log of provider calls.
package exchangelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/providers"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxInlineBody caps what is kept in the database row; the archive keeps the rest.
const maxInlineBody = 16 << 10

// Archive stores the full exchange payload outside the database.
type Archive interface {
	Put(ctx context.Context, object string, data []byte) error
}

// GCSArchive writes exchanges into a Cloud Storage bucket.
type GCSArchive struct {
	Client *storage.Client
	Bucket string
}

func (a GCSArchive) Put(ctx context.Context, object string, data []byte) error {
	w := a.Client.Bucket(a.Bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Recorder persists every provider exchange. It implements providers.Recorder.
type Recorder struct {
	db      *gorm.DB
	archive Archive
	logger  *logrus.Logger
}

// NewRecorder returns a recorder; archive may be nil.
func NewRecorder(db *gorm.DB, archive Archive, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Recorder{db: db, archive: archive, logger: logger}
}

type archived struct {
	ContractID    int       `json:"contract_id"`
	Provider      string    `json:"provider"`
	Operation     string    `json:"operation"`
	StatusCode    int       `json:"status_code"`
	Outcome       string    `json:"outcome"`
	ProviderCode  string    `json:"provider_code"`
	Detail        string    `json:"detail"`
	Request       string    `json:"request"`
	Response      string    `json:"response"`
	CorrelationID string    `json:"correlation_id"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Record never fails the caller; problems are logged.
func (r *Recorder) Record(ctx context.Context, ex providers.Exchange) {
	row := models.ProviderExchange{
		ContractID:    ex.ContractID,
		Provider:      string(ex.Provider),
		Operation:     ex.Operation,
		StatusCode:    ex.StatusCode,
		Outcome:       ex.Outcome.Kind.String(),
		RequestBody:   clip(ex.Request),
		ResponseBody:  clip(ex.Response),
		CorrelationID: appctx.CorrelationID(ctx),
	}
	// the caller's context may already be past its deadline
	store := context.WithoutCancel(ctx)
	if err := r.db.WithContext(store).Create(&row).Error; err != nil {
		config.LogError(r.logger, "exchangelog", "Record", "insert exchange", row.Operation, err)
		return
	}
	if r.archive == nil {
		return
	}

	now := time.Now().UTC()
	object := ObjectName(row.Provider, now, row.ID)
	data, _ := json.Marshal(archived{
		ContractID:    ex.ContractID,
		Provider:      row.Provider,
		Operation:     ex.Operation,
		StatusCode:    ex.StatusCode,
		Outcome:       row.Outcome,
		ProviderCode:  ex.Outcome.ProviderCode,
		Detail:        ex.Outcome.Detail,
		Request:       string(ex.Request),
		Response:      string(ex.Response),
		CorrelationID: row.CorrelationID,
		RecordedAt:    now,
	})
	if err := r.archive.Put(store, object, data); err != nil {
		config.LogError(r.logger, "exchangelog", "Record", "archive exchange", object, err)
		return
	}
	if err := r.db.WithContext(store).Model(&models.ProviderExchange{}).
		Where("id = ?", row.ID).
		Update("archive_object", object).Error; err != nil {
		config.LogError(r.logger, "exchangelog", "Record", "set archive object", object, err)
	}
}

// ObjectName is exchanges/{provider}/{yyyy-mm-dd}/{id}.json.
func ObjectName(provider string, at time.Time, id int) string {
	return fmt.Sprintf("exchanges/%s/%s/%d.json", provider, at.Format("2006-01-02"), id)
}

// ForContract lists a contract's exchanges, newest first.
func ForContract(ctx context.Context, db *gorm.DB, contractID int, limit int) ([]models.ProviderExchange, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.ProviderExchange
	err := db.WithContext(ctx).
		Where("contract_id = ?", contractID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Find loads one exchange of the contract.
func Find(ctx context.Context, db *gorm.DB, contractID, id int) (models.ProviderExchange, error) {
	var ex models.ProviderExchange
	err := db.WithContext(ctx).Where("id = ? AND contract_id = ?", id, contractID).Take(&ex).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ex, fmt.Errorf("%w: exchange %d of contract %d", models.ErrRecordNotFound, id, contractID)
	}
	return ex, err
}

func clip(b []byte) string {
	if len(b) > maxInlineBody {
		return string(b[:maxInlineBody])
	}
	return string(b)
}
