// Package notify fans user-visible lifecycle events out to Telegram and a
// secondary Firebase push channel, throttled per (key, trade).
package notify

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Event is the set of user-visible lifecycle tags the spec names (§7):
// entry (APPROVED), SL move, TP replace, TP hit, SL hit, PEV exit,
// venue-flat exit, giveback exit.
type Event string

const (
	EventEntry      Event = "ENTRY"
	EventSLMove     Event = "SL_MOVE"
	EventTPReplace  Event = "TP_REPLACE"
	EventTPHit      Event = "TP_HIT"
	EventSLHit      Event = "SL_HIT"
	EventPEVExit    Event = "PEV_EXIT"
	EventVenueFlat  Event = "VENUE_FLAT_EXIT"
	EventGiveback   Event = "GIVEBACK_EXIT"
)

// Notifier is the best-effort notification contract: failures are logged,
// never fatal.
type Notifier interface {
	Notify(event Event, tradeID, text string)
}

// pushMessage is one queued mobile push; Service.push buffers them for the
// Firebase pushWorker goroutine.
type pushMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// Throttle tracks the last-sent time per (event, tradeID) key so repeated
// notifications within the throttle's minimum interval are suppressed (New
// uses 60s).
type Throttle struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	minInterval time.Duration
}

// NewThrottle constructs a throttle with the given minimum interval.
func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{lastSent: make(map[string]time.Time), minInterval: minInterval}
}

func (t *Throttle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.minInterval {
		return false
	}
	t.lastSent[key] = now
	return true
}

// Service wires the Telegram bot and the Firebase push channel into a
// single best-effort Notifier.
type Service struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	push      chan pushMessage
	fcmClient *messaging.Client

	throttle *Throttle
	log      *zap.SugaredLogger
}

// New constructs a Service. Both channels are optional: a missing
// TELEGRAM_BOT_TOKEN disables Telegram; a missing credsPath disables push.
func New(botToken, chatIDStr, credsPath string, log *zap.SugaredLogger) *Service {
	s := &Service{
		push:     make(chan pushMessage, 500),
		throttle: NewThrottle(60 * time.Second),
		log:      log,
	}

	if botToken != "" {
		bot, err := tgbotapi.NewBotAPI(botToken)
		if err != nil {
			log.Warnw("telegram init failed", "component", "notify", "err", err)
		} else {
			s.bot = bot
			if chatIDStr != "" {
				if id, err := strconv.ParseInt(chatIDStr, 10, 64); err == nil {
					s.chatID = id
				}
			}
			log.Infow("telegram authorized", "component", "notify", "bot", bot.Self.UserName)
		}
	}

	if credsPath != "" {
		if _, err := os.Stat(credsPath); err == nil {
			app, err := firebase.NewApp(context.Background(), nil, option.WithCredentialsFile(credsPath))
			if err != nil {
				log.Warnw("firebase init failed", "component", "notify", "err", err)
			} else if client, err := app.Messaging(context.Background()); err != nil {
				log.Warnw("firebase messaging client failed", "component", "notify", "err", err)
			} else {
				s.fcmClient = client
				go s.pushWorker()
			}
		}
	}

	return s
}

func (s *Service) pushWorker() {
	for msg := range s.push {
		message := &messaging.Message{
			Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
			Data:         msg.Data,
			Topic:        "trades",
		}
		if _, err := s.fcmClient.Send(context.Background(), message); err != nil {
			s.log.Warnw("push send failed", "component", "notify", "err", err)
		}
	}
}

// Notify implements Notifier: throttled Telegram send plus a fire-and-forget
// mobile push for the same event.
func (s *Service) Notify(event Event, tradeID, text string) {
	key := fmt.Sprintf("%s:%s", event, tradeID)
	if !s.throttle.allow(key) {
		return
	}
	s.sendTelegram(text)
	s.enqueuePush(event, tradeID, text)
}

func (s *Service) sendTelegram(text string) {
	if s.bot == nil || s.chatID == 0 {
		return
	}
	go func() {
		msg := tgbotapi.NewMessage(s.chatID, text)
		msg.ParseMode = "Markdown"
		if _, err := s.bot.Send(msg); err != nil {
			s.log.Warnw("telegram send failed", "component", "notify", "err", err)
		}
	}()
}

func (s *Service) enqueuePush(event Event, tradeID, text string) {
	if s.fcmClient == nil {
		return
	}
	select {
	case s.push <- pushMessage{Title: string(event), Body: text, Data: map[string]string{"trade_id": tradeID}}:
	default:
		s.log.Warnw("push queue full, dropping", "component", "notify", "event", event)
	}
}

var _ Notifier = (*Service)(nil)
