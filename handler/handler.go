package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/178inaba/duty-time-bot/duty"
	"github.com/178inaba/duty-time-bot/entity"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const leaderboardColor = "#007bff"

type Handler struct {
	engine             *duty.Engine
	slackClient        *slack.Client
	slackSigningSecret string
	onDutyUserGroupID  string
	leaderboardLimit   int
	now                func() time.Time

	// groupMu serializes updates of the on-duty user group. groupEnabled is
	// false until the group is known to be enabled.
	groupMu      sync.Mutex
	groupEnabled bool
}

func NewHandler(
	engine *duty.Engine,
	slackClient *slack.Client,
	slackSigningSecret string,
	onDutyUserGroupID string,
	leaderboardLimit int,
) *Handler {
	return &Handler{
		engine:             engine,
		slackClient:        slackClient,
		slackSigningSecret: slackSigningSecret,
		onDutyUserGroupID:  onDutyUserGroupID,
		leaderboardLimit:   leaderboardLimit,
		now:                time.Now,
	}
}

// ReceiveCommand handles the slash commands.
func (h *Handler) ReceiveCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Read body.
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		log.Printf("Read body: %v.", err)
		return
	}

	// Validating a request.
	if err := validateRequest(h.slackSigningSecret, r.Header, bodyBytes); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		log.Printf("Validate request: %v.", err)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	s, err := slack.SlashCommandParse(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		log.Printf("Parse slash command: %v.", err)
		return
	}

	var msg *slack.Msg
	switch strings.TrimPrefix(s.Command, "/") {
	case "clockin", "ein":
		msg = h.clockIn(ctx, s)
	case "clockout", "aus":
		msg = h.clockOut(ctx, s)
	case "status":
		msg = h.status(s)
	case "leaderboard":
		msg = h.leaderboard(s.Text)
	default:
		msg = ephemeral(fmt.Sprintf("Unknown command %s.", s.Command))
	}

	writeMsg(w, msg)
}

func (h *Handler) clockIn(ctx context.Context, s slack.SlashCommand) *slack.Msg {
	_, err := h.engine.ClockIn(ctx, s.UserID, s.UserName, h.now())
	if errors.Is(err, duty.ErrAlreadyOnDuty) {
		return ephemeral("You are already on duty.")
	} else if err != nil {
		log.Printf("Clock in %s: %v.", s.UserID, err)
		return ephemeral("Your clock-in could not be saved. Please try again.")
	}

	h.syncOnDutyGroup(ctx)

	return inChannel(fmt.Sprintf("%s, you are now *on duty*.", s.UserName))
}

func (h *Handler) clockOut(ctx context.Context, s slack.SlashCommand) *slack.Msg {
	elapsed, _, err := h.engine.ClockOut(ctx, s.UserID, h.now())
	if errors.Is(err, duty.ErrNotOnDuty) {
		return ephemeral("You are currently *not on duty*.")
	} else if err != nil {
		log.Printf("Clock out %s: %v.", s.UserID, err)
		return ephemeral("Your clock-out could not be saved. Please try again.")
	}

	h.syncOnDutyGroup(ctx)

	return inChannel(fmt.Sprintf("%s, you are now *off duty*.\nDuty time: *%s*.", s.UserName, formatMinutes(elapsed)))
}

func (h *Handler) status(s slack.SlashCommand) *slack.Msg {
	st := h.engine.Status(s.UserID, h.now())
	if st == nil {
		return inChannel("You have no recorded duty time yet.")
	}

	text := fmt.Sprintf("%s, you have *%s* of duty time in total.", s.UserName, formatMinutes(st.DisplayMinutes))
	if st.OnDuty {
		text += fmt.Sprintf(" You have been on duty for %s.", formatMinutes(st.CurrentMinutes))
	}

	return inChannel(text)
}

func (h *Handler) leaderboard(text string) *slack.Msg {
	limit := h.leaderboardLimit
	if n, err := strconv.Atoi(strings.TrimSpace(text)); err == nil && n > 0 {
		limit = n
	}

	ranks := h.engine.Leaderboard(limit)
	if ranks == nil {
		return inChannel("No data in the leaderboard yet.")
	}

	return &slack.Msg{
		ResponseType: slack.ResponseTypeInChannel,
		Attachments:  []slack.Attachment{leaderboardAttachment(ranks)},
	}
}

func leaderboardAttachment(ranks []*entity.Rank) slack.Attachment {
	lines := make([]string, len(ranks))
	for i, r := range ranks {
		lines[i] = fmt.Sprintf("*%d.* %s - %s", r.Position, r.Name, formatMinutes(r.TotalMinutes))
	}

	return slack.Attachment{
		Title:  "Duty leaderboard",
		Color:  leaderboardColor,
		Text:   strings.Join(lines, "\n"),
		Footer: "Total duty time",
	}
}

// syncOnDutyGroup sets the members of the on-duty user group to the members
// currently on duty. Failures are only logged.
func (h *Handler) syncOnDutyGroup(ctx context.Context) {
	if h.onDutyUserGroupID == "" {
		return
	}

	h.groupMu.Lock()
	defer h.groupMu.Unlock()

	ids := h.engine.OnDuty()
	if len(ids) == 0 {
		// A user group cannot be emptied through the API, so it is disabled
		// until the next clock-in. Its last member stays listed meanwhile.
		_, err := h.slackClient.DisableUserGroupContext(ctx, h.onDutyUserGroupID)
		if err != nil && !isSlackError(err, "already_disabled") {
			log.Printf("Disable user group: %v.", err)
			return
		}
		h.groupEnabled = false
		return
	}

	if !h.groupEnabled {
		_, err := h.slackClient.EnableUserGroupContext(ctx, h.onDutyUserGroupID)
		if err != nil && !isSlackError(err, "already_enabled") {
			log.Printf("Enable user group: %v.", err)
		} else {
			h.groupEnabled = true
		}
	}

	if _, err := h.slackClient.UpdateUserGroupMembersContext(ctx, h.onDutyUserGroupID, strings.Join(ids, ",")); err != nil {
		log.Printf("Update user group members: %v.", err)
	}
}

func isSlackError(err error, code string) bool {
	var se slack.SlackErrorResponse
	return errors.As(err, &se) && se.Err == code
}

func (h *Handler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Read body.
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		log.Printf("Read body: %v.", err)
		return
	}

	// Validating a request.
	if err := validateRequest(h.slackSigningSecret, r.Header, bodyBytes); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		log.Printf("Validate request: %v.", err)
		return
	}

	eventsAPIEvent, err := slackevents.ParseEvent(bodyBytes, slackevents.OptionNoVerifyToken())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Printf("Parse event: %v.", err)
		return
	}

	switch eventsAPIEvent.Type {
	case slackevents.URLVerification:
		var r slackevents.ChallengeResponse
		if err := json.Unmarshal(bodyBytes, &r); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			log.Printf("Unmarshal challenge response: %v.", err)
			return
		}

		w.Header().Set("Content-type", "text/plain")
		w.Write([]byte(r.Challenge))
	case slackevents.CallbackEvent:
		switch e := eventsAPIEvent.InnerEvent.Data.(type) {
		case *slackevents.AppMentionEvent:
			var opt slack.MsgOption
			if strings.Contains(e.Text, "leaderboard") {
				ranks := h.engine.Leaderboard(h.leaderboardLimit)
				if ranks == nil {
					opt = slack.MsgOptionText("No data in the leaderboard yet.", false)
				} else {
					opt = slack.MsgOptionAttachments(leaderboardAttachment(ranks))
				}
			} else {
				opt = slack.MsgOptionText("Use /clockin, /clockout, /status or /leaderboard.", false)
			}

			if _, _, err := h.slackClient.PostMessageContext(ctx, e.Channel, opt); err != nil {
				log.Printf("Post message: %v.", err)
			}
		}
	}
}

func ephemeral(text string) *slack.Msg {
	return &slack.Msg{ResponseType: slack.ResponseTypeEphemeral, Text: text}
}

func inChannel(text string) *slack.Msg {
	return &slack.Msg{ResponseType: slack.ResponseTypeInChannel, Text: text}
}

func writeMsg(w http.ResponseWriter, msg *slack.Msg) {
	b, err := json.Marshal(msg)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Printf("Marshal message: %v.", err)
		return
	}

	w.Header().Set("Content-type", "application/json")
	w.Write(b)
}

func formatMinutes(m int) string {
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

func validateRequest(signingSecret string, header http.Header, body []byte) error {
	sv, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return fmt.Errorf("new secret verifier: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("ensure secret: %w", err)
	}

	return nil
}
