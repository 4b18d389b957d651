package models

type StepName string

const (
	StepExtract        StepName = "Extract"
	StepRender         StepName = "Render"
	StepEncrypt        StepName = "Encrypt"
	StepUploadBlob     StepName = "UploadBlob"
	StepUploadTransfer StepName = "UploadTransfer"
)

type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

type PipelineState string

const (
	StateStart          PipelineState = "START"
	StateExtracted      PipelineState = "EXTRACTED"
	StateRendered       PipelineState = "RENDERED"
	StateEncryptPending PipelineState = "ENCRYPT_PENDING"
	StateEncrypted      PipelineState = "ENCRYPTED"
	StateBlobUploaded   PipelineState = "BLOB_UPLOADED"
	StateDone           PipelineState = "DONE"
	StateFailed         PipelineState = "FAILED"
	StateSkipped        PipelineState = "SKIPPED"
)

// StepOutcome is produced once per executed step and never changed afterwards.
type StepOutcome struct {
	Step        StepName   `json:"step"`
	Status      StepStatus `json:"status"`
	RecordCount int        `json:"record_count"`
	Detail      string     `json:"detail,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
}

// OutboxRecord is a notice row queued for an agency file. Fields is opaque
// to the pipeline; only the renderer looks inside.
type OutboxRecord struct {
	ID         int64                  `json:"id"`
	AgencyCode string                 `json:"agency_code"`
	NoticeNo   string                 `json:"notice_no"`
	Fields     map[string]interface{} `json:"fields"`
}
