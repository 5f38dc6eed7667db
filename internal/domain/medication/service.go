package medication

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/patient"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/internal/platform/notification"
	"github.com/medflow/medflow/internal/platform/qrcode"
	"github.com/medflow/medflow/internal/platform/telemetry"
)

// Notifier sends a rendered template. *notification.Manager satisfies it.
type Notifier interface {
	SendTemplate(ctx context.Context, templateID, recipient string, data map[string]string) (*notification.Notification, error)
}

// ChatNotifier delivers a text message to a linked Telegram chat.
type ChatNotifier interface {
	NotifyChat(ctx context.Context, chatID int64, text string) error
}

var fulfilledNotice = map[string]string{
	patient.LangEnglish:   "Your prescription for %s has been dispensed.",
	patient.LangSpanish:   "Su receta de %s ha sido entregada.",
	patient.LangUkrainian: "Ваш рецепт на %s видано.",
}

// Service manages prescription orders stored inside patient records.
type Service struct {
	patients patient.Repository
	logger   zerolog.Logger
	baseURL  string

	notifier  Notifier
	chat      ChatNotifier
	publisher events.Publisher
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func NewService(patients patient.Repository, baseURL string, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		baseURL:  baseURL,
		logger:   logger.With().Str("component", "medication").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetNotifier(n Notifier)          { s.notifier = n }
func (s *Service) SetChatNotifier(c ChatNotifier)  { s.chat = c }
func (s *Service) SetEvents(p events.Publisher)    { s.publisher = p }
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// orderURLs returns the patient-facing and pharmacy QR links of an order.
// Only the pharmacy link carries token.
func (s *Service) orderURLs(patientID, orderID uuid.UUID, token string) (rxURL, pharmacyURL string) {
	ref := Ref{TruncatedID: patient.TruncateID(patientID), OrderID: orderID}.String()
	return s.baseURL + "/rx-order-qr-code/" + ref,
		s.baseURL + "/pharmacy/rx-order-qr-code/" + ref + "?token=" + url.QueryEscape(token)
}

// Create issues a pending order for the patient and renders its QR codes.
func (s *Service) Create(ctx context.Context, patientID uuid.UUID, author patient.Author, req *CreateRequest) (*patient.RxOrder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	order := patient.RxOrder{
		ID:             uuid.New(),
		Status:         patient.RxPending,
		Content:        req.RxContent,
		PrescriberID:   author.ID,
		PrescriberName: author.Name,
		CreatedAt:      s.now(),
	}
	token := uuid.NewString()
	order.SetPharmacyToken(token)
	order.RxURL, order.PharmacyQRURL = s.orderURLs(patientID, order.ID, token)

	var err error
	if order.QRCode, err = qrcode.DataURI(order.RxURL); err != nil {
		return nil, err
	}
	if order.PharmacyQRCode, err = qrcode.DataURI(order.PharmacyQRURL); err != nil {
		return nil, err
	}

	p, err := s.patients.Mutate(ctx, patientID, func(p *patient.Patient) error {
		p.RxOrders = append(p.RxOrders, order)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("patient_id", patientID.String()).
		Str("rx_order_id", order.ID.String()).
		Str("prescriber_id", author.ID.String()).
		Msg("rx order created")
	s.metrics.RxOrderTransition(string(patient.RxPending))
	events.Emit(ctx, s.publisher, s.logger, events.New(events.RxOrderCreated, order.ID.String(), author.ID, map[string]string{
		"patient_id": patientID.String(),
		"pickup":     order.Content.Pickup,
	}))

	if p.Phone != "" && s.notifier != nil {
		_, err := s.notifier.SendTemplate(ctx, notification.TplRxOrderIssued, p.Phone, map[string]string{
			"name":       p.FullName(),
			"medication": order.Content.Medication,
			"pickup":     order.Content.Pickup,
			"rx_url":     order.RxURL,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("rx_order_id", order.ID.String()).Msg("rx order whatsapp failed")
		}
	}
	return &order, nil
}

// Lookup resolves a reference to its patient and order.
func (s *Service) Lookup(ctx context.Context, ref Ref) (*LookupResult, error) {
	p, err := s.patients.FindByRxOrder(ctx, ref.OrderID)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, patient.ErrRxOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	order := p.RxOrder(ref.OrderID)
	if order == nil || !ref.matches(p) {
		return nil, patient.ErrRxOrderNotFound
	}
	return &LookupResult{Patient: p.Summary(), Order: order.Redacted()}, nil
}

// Validate marks a pending order fulfilled. token is the secret from the
// order's pharmacy link.
func (s *Service) Validate(ctx context.Context, ref Ref, token string, actor uuid.UUID) (*LookupResult, error) {
	res, err := s.transition(ctx, ref, token, func(o *patient.RxOrder) error {
		return o.Fulfill(s.now())
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, res, actor, events.RxOrderFulfilled, nil)
	return res, nil
}

// Invalidate marks a pending order invalidated with an optional reason.
func (s *Service) Invalidate(ctx context.Context, ref Ref, token string, actor uuid.UUID, reason string) (*LookupResult, error) {
	res, err := s.transition(ctx, ref, token, func(o *patient.RxOrder) error {
		return o.Invalidate(s.now(), reason)
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, res, actor, events.RxOrderInvalidated, map[string]string{"reason": res.Order.InvalidationReason})
	return res, nil
}

// transition applies fn to the referenced order inside a single patient
// mutation, so concurrent transitions of one order see each other's result.
func (s *Service) transition(ctx context.Context, ref Ref, token string, fn func(o *patient.RxOrder) error) (*LookupResult, error) {
	found, err := s.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}

	var order patient.RxOrder
	p, err := s.patients.Mutate(ctx, found.Patient.ID, func(p *patient.Patient) error {
		o := p.RxOrder(ref.OrderID)
		if o == nil {
			return patient.ErrRxOrderNotFound
		}
		if !o.PharmacyTokenMatches(token) {
			return ErrPharmacyToken
		}
		if err := fn(o); err != nil {
			return err
		}
		order = o.Redacted()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &LookupResult{Patient: p.Summary(), Order: order}, nil
}

func (s *Service) afterTransition(ctx context.Context, res *LookupResult, actor uuid.UUID, eventType string, data map[string]string) {
	s.logger.Info().
		Str("patient_id", res.Patient.ID.String()).
		Str("rx_order_id", res.Order.ID.String()).
		Str("status", string(res.Order.Status)).
		Msg("rx order transitioned")
	s.metrics.RxOrderTransition(string(res.Order.Status))

	if data == nil {
		data = map[string]string{}
	}
	data["patient_id"] = res.Patient.ID.String()
	events.Emit(ctx, s.publisher, s.logger, events.New(eventType, res.Order.ID.String(), actor, data))

	if res.Order.Status == patient.RxFulfilled {
		s.notifyFulfilled(ctx, res)
	}
}

// notifyFulfilled tells a Telegram-linked patient their order was dispensed.
func (s *Service) notifyFulfilled(ctx context.Context, res *LookupResult) {
	if s.chat == nil {
		return
	}
	p, err := s.patients.GetByID(ctx, res.Patient.ID)
	if err != nil || p.TelegramChatID == nil {
		return
	}
	tmpl, ok := fulfilledNotice[p.Language]
	if !ok {
		tmpl = fulfilledNotice[patient.LangEnglish]
	}
	if err := s.chat.NotifyChat(ctx, *p.TelegramChatID, fmt.Sprintf(tmpl, res.Order.Content.Medication)); err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", *p.TelegramChatID).Msg("fulfilment notice failed")
	}
}

// ListForPatient returns the patient's orders, oldest first.
func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]patient.RxOrder, error) {
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.RxOrders == nil {
		return []patient.RxOrder{}, nil
	}
	return p.RxOrders, nil
}
