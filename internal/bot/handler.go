package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"weatherfav/internal/domain"
	"weatherfav/internal/favorites"
	"weatherfav/internal/storage"
)

// Gate is the subset of the admission gate the bot drives.
type Gate interface {
	Submit(ctx context.Context, c domain.Candidate) (domain.Favorite, error)
	List(ctx context.Context, userID string) ([]domain.Favorite, error)
	Get(ctx context.Context, id string) (domain.Favorite, error)
	Remove(ctx context.Context, id string) error
}

// Handler holds dependencies for the Telegram bot handlers.
type Handler struct {
	bot  *tgbot.Bot
	gate Gate
	log  logrus.FieldLogger
}

// NewHandler creates a new bot handler instance.
func NewHandler(token string, gate Gate, logger logrus.FieldLogger) (*Handler, error) {
	log := logger.WithField("component", "bot_handler")

	b, err := tgbot.New(token)
	if err != nil {
		log.WithError(err).Error("Failed to create Telegram bot instance")
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	h := &Handler{
		bot:  b,
		gate: gate,
		log:  log,
	}
	h.registerHandlers()

	log.Info("Telegram bot handler initialized")
	return h, nil
}

// registerHandlers sets up the command handlers.
func (h *Handler) registerHandlers() {
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypeExact, h.onCommand)
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/favorites", tgbot.MatchTypePrefix, h.onCommand)
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/favorite ", tgbot.MatchTypePrefix, h.onCommand)
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/unfavorite", tgbot.MatchTypePrefix, h.onCommand)
	h.log.Info("Registered favorite command handlers")
}

// Start begins polling for updates from Telegram.
// This function blocks until the context is cancelled.
func (h *Handler) Start(ctx context.Context) {
	h.log.Info("Starting Telegram bot polling...")
	h.bot.Start(ctx)
	h.log.Info("Telegram bot polling stopped.")
}

func (h *Handler) onCommand(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userID := strconv.FormatInt(update.Message.From.ID, 10)
	log := h.log.WithFields(logrus.Fields{
		"user_id": userID,
		"text":    update.Message.Text,
	})
	log.Debug("Received command")

	reply := h.Reply(ctx, userID, update.Message.Text)
	_, err := b.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   reply,
	})
	if err != nil {
		log.WithError(err).Error("Failed to send reply")
	}
}

const usage = "Commands:\n" +
	"/favorites - list your favorite locations\n" +
	"/favorite <lat> <lon> <city> - add a favorite\n" +
	"/unfavorite <id> - remove a favorite"

// Reply executes one chat command for userID and returns the text to send back.
func (h *Handler) Reply(ctx context.Context, userID, text string) string {
	cmd, args := splitCommand(text)

	switch cmd {
	case "/start":
		return "Welcome! I keep track of your favorite weather locations.\n\n" + usage

	case "/favorites":
		favs, err := h.gate.List(ctx, userID)
		if err != nil {
			h.log.WithError(err).Error("Failed to list favorites")
			return "Sorry, your favorites are unavailable right now."
		}
		return formatFavorites(favs)

	case "/favorite":
		c, err := parseFavoriteArgs(userID, args)
		if err != nil {
			return err.Error() + "\n\n" + usage
		}
		fav, err := h.gate.Submit(ctx, c)
		var conflict *favorites.ConflictError
		switch {
		case errors.As(err, &conflict):
			return fmt.Sprintf("%s is already a favorite (id %s).", conflict.Existing.City, conflict.Existing.ID)
		case errors.Is(err, domain.ErrValidation):
			return err.Error()
		case err != nil:
			h.log.WithError(err).Error("Failed to add favorite")
			return "Sorry, I could not save that favorite right now."
		}
		return fmt.Sprintf("Added %s (id %s).", fav.City, fav.ID)

	case "/unfavorite":
		id := strings.TrimSpace(args)
		if id == "" {
			return "Which one? " + usage
		}
		return h.unfavorite(ctx, userID, id)
	}

	return usage
}

// unfavorite removes id if it belongs to userID. Someone else's favorite is
// reported exactly like a missing one.
func (h *Handler) unfavorite(ctx context.Context, userID, id string) string {
	fav, err := h.gate.Get(ctx, id)
	if err == nil && fav.UserID != userID {
		err = storage.ErrNotFound
	}
	if err == nil {
		err = h.gate.Remove(ctx, id)
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Sprintf("No favorite with id %s.", id)
	case err != nil:
		h.log.WithError(err).WithField("id", id).Error("Failed to remove favorite")
		return "Sorry, I could not remove that favorite right now."
	}
	return fmt.Sprintf("Removed %s.", fav.City)
}

// splitCommand separates "/cmd@botname args" into "/cmd" and "args".
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	cmd, args, _ := strings.Cut(text, " ")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}

// parseFavoriteArgs reads "<lat> <lon> <city name...>".
func parseFavoriteArgs(userID, args string) (domain.Candidate, error) {
	fields := strings.Fields(args)
	if len(fields) < 3 {
		return domain.Candidate{}, errors.New("expected latitude, longitude and a city name")
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("invalid latitude %q", fields[0])
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("invalid longitude %q", fields[1])
	}
	return domain.Candidate{
		UserID:      userID,
		City:        strings.Join(fields[2:], " "),
		Coordinates: &domain.Coordinates{Lat: lat, Lon: lon},
	}, nil
}

func formatFavorites(favs []domain.Favorite) string {
	if len(favs) == 0 {
		return "You have no favorites yet. Add one with /favorite <lat> <lon> <city>."
	}
	var sb strings.Builder
	sb.WriteString("Your favorites:\n")
	for _, f := range favs {
		fmt.Fprintf(&sb, "%s. %s (%.4f, %.4f)\n", f.ID, f.City, f.Coordinates.Lat, f.Coordinates.Lon)
	}
	return strings.TrimRight(sb.String(), "\n")
}
