package server

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/telescribe/telescribe/internal/store"
	"github.com/telescribe/telescribe/logging/logger"
)

// command is a typed bot command name.
type command string

const (
	cmdStart    command = "start"
	cmdHelp     command = "help"
	cmdBalance  command = "balance"
	cmdTrial    command = "trial"
	cmdSettings command = "settings"
	cmdCode     command = "code"
	cmdYo       command = "yo"
	cmdDiar     command = "diar"
	cmdDelivery command = "delivery"
)

type commandHandler func(s *Server, ctx context.Context, user *store.User, msg *tgbotapi.Message) string

func commandTable() map[command]commandHandler {
	return map[command]commandHandler{
		cmdStart:    (*Server).cmdStart,
		cmdHelp:     (*Server).cmdHelp,
		cmdBalance:  (*Server).cmdBalance,
		cmdTrial:    (*Server).cmdTrial,
		cmdSettings: (*Server).cmdSettings,
		cmdCode:     (*Server).cmdToggleCode,
		cmdYo:       (*Server).cmdToggleYo,
		cmdDiar:     (*Server).cmdToggleDiar,
		cmdDelivery: (*Server).cmdToggleDelivery,
	}
}

// handleCommand dispatches a typed command and replies with the
// handler's text. Unknown commands get the help text.
func (s *Server) handleCommand(ctx context.Context, user *store.User, msg *tgbotapi.Message) error {
	handler, ok := s.commands[command(msg.Command())]
	if !ok {
		s.reply(ctx, msg.Chat.ID, s.cmdHelp(ctx, user, msg))
		return nil
	}
	s.reply(ctx, msg.Chat.ID, handler(s, ctx, user, msg))
	return nil
}

func (s *Server) cmdStart(_ context.Context, user *store.User, _ *tgbotapi.Message) string {
	return fmt.Sprintf(
		"Привет, %s! Я расшифровываю голосовые сообщения, аудио и видео в текст.\n\n"+
			"Пришлите запись, и я верну текст. Команды: /help",
		user.FirstName)
}

func (s *Server) cmdHelp(_ context.Context, _ *store.User, _ *tgbotapi.Message) string {
	return "Пришлите голосовое сообщение, аудиофайл или видео.\n\n" +
		"/balance — остаток минут\n" +
		"/trial — запросить пробные минуты\n" +
		"/settings — текущие настройки\n" +
		"/code — моноширинный шрифт вкл/выкл\n" +
		"/yo — буква ё вкл/выкл\n" +
		"/diar — разметка собеседников вкл/выкл\n" +
		"/delivery — длинные тексты: сообщениями или файлом"
}

func (s *Server) cmdBalance(_ context.Context, user *store.User, _ *tgbotapi.Message) string {
	return fmt.Sprintf("Остаток: %.1f мин.", user.BalanceMinutes)
}

func (s *Server) cmdTrial(ctx context.Context, user *store.User, _ *tgbotapi.Message) string {
	if err := s.deps.Store.RequestTrial(ctx, user.UserID); err != nil {
		if errors.Is(err, store.ErrExists) {
			return "Заявка на пробные минуты уже отправлена."
		}
		logger.Errorf(ctx, "failed to request trial: %v", err)
		return "Не получилось отправить заявку. Попробуйте позже."
	}
	return "Заявка принята. Минуты появятся после подтверждения."
}

func (s *Server) cmdSettings(_ context.Context, user *store.User, _ *tgbotapi.Message) string {
	return fmt.Sprintf(
		"Настройки:\nмоноширинный шрифт: %s\nбуква ё: %s\nразметка собеседников: %s\nдлинные тексты: %s",
		onOff(user.Settings.UseCodeTags),
		onOff(user.Settings.UseYo),
		onOff(user.Settings.Diarization),
		deliveryLabel(user.Settings.Delivery))
}

func (s *Server) cmdToggleCode(ctx context.Context, user *store.User, _ *tgbotapi.Message) string {
	user.Settings.UseCodeTags = !user.Settings.UseCodeTags
	if !s.saveUser(ctx, user) {
		return "Не получилось сохранить настройку."
	}
	return "Моноширинный шрифт: " + onOff(user.Settings.UseCodeTags)
}

func (s *Server) cmdToggleYo(ctx context.Context, user *store.User, _ *tgbotapi.Message) string {
	user.Settings.UseYo = !user.Settings.UseYo
	if !s.saveUser(ctx, user) {
		return "Не получилось сохранить настройку."
	}
	return "Буква ё: " + onOff(user.Settings.UseYo)
}

func (s *Server) cmdToggleDiar(ctx context.Context, user *store.User, _ *tgbotapi.Message) string {
	user.Settings.Diarization = !user.Settings.Diarization
	if !s.saveUser(ctx, user) {
		return "Не получилось сохранить настройку."
	}
	return "Разметка собеседников: " + onOff(user.Settings.Diarization)
}

func (s *Server) cmdToggleDelivery(ctx context.Context, user *store.User, _ *tgbotapi.Message) string {
	if user.Settings.Delivery == store.DeliveryFile {
		user.Settings.Delivery = store.DeliverySplit
	} else {
		user.Settings.Delivery = store.DeliveryFile
	}
	if !s.saveUser(ctx, user) {
		return "Не получилось сохранить настройку."
	}
	return "Длинные тексты: " + deliveryLabel(user.Settings.Delivery)
}

func (s *Server) saveUser(ctx context.Context, user *store.User) bool {
	if err := s.deps.Store.UpdateUser(ctx, user); err != nil {
		logger.Errorf(ctx, "failed to save settings for user %d: %v", user.UserID, err)
		return false
	}
	return true
}

func onOff(v bool) string {
	if v {
		return "вкл"
	}
	return "выкл"
}

func deliveryLabel(mode store.DeliveryMode) string {
	if mode == store.DeliveryFile {
		return "файлом"
	}
	return "сообщениями"
}
