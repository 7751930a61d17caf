package main

import (
	"context"
	"encoding/json"

	"github.com/inteca/nuxeo/pkg/work"
	"go.uber.org/zap"
)

const logWorkType = "log"

// logWork writes its message to the daemon log, it is used to check queue wiring
type logWork struct {
	work.BaseWork
	Message string `json:"message"`

	logger *zap.Logger
}

func newLogWork(id, category, message string) *logWork {
	w := &logWork{BaseWork: work.NewBaseWork(id, category), Message: message}
	w.SetIdempotent(true)
	return w
}

func (w *logWork) Type() string { return logWorkType }

func (w *logWork) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.logger != nil {
		w.logger.Info("Log work",
			zap.String("work_id", w.ID()),
			zap.String("category", w.Category()),
			zap.String("message", w.Message))
	}
	return nil
}

func (w *logWork) MarshalBinary() ([]byte, error) {
	return json.Marshal(w)
}

func (w *logWork) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, w)
}

// workTypes lists the work types the daemon can execute
func workTypes(logger *zap.Logger) *work.TypeRegistry {
	types := work.NewTypeRegistry()
	types.Register(logWorkType, func() work.Work { return &logWork{logger: logger} })
	return types
}
