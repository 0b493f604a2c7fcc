package dispatch

import (
	"context"

	"go.uber.org/zap"

	"leadline/internal/domain"
)

// LogNotifier records submissions in the service log instead of delivering
// them. Quote types without a delivery channel are routed here.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, req domain.SubmissionRequest) error {
	fields := make([]zap.Field, 0, len(req.Fields())+4)
	fields = append(fields,
		zap.String("id", req.ID()),
		zap.String("request_type", req.RequestType()),
		zap.String("client_addr", req.ClientAddr()),
		zap.Time("received_at", req.ReceivedAt()),
	)
	for _, f := range req.Fields() {
		fields = append(fields, zap.Any("field."+f.ID, f.Value))
	}
	n.logger.Info("submission received", fields...)
	return nil
}
