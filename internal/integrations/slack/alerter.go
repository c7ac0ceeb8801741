// Package slackbot posts operator alerts to Slack.
package slackbot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
)

type Options struct {
	Token      string
	Channel    string
	Mentions   []string
	HTTPClient *http.Client
	APIURL     string // override for tests
}

type Alerter struct {
	api      *slack.Client
	channel  string
	mentions []string
	logger   logrus.FieldLogger
	now      func() time.Time

	users userCache
}

func New(opts Options, logger logrus.FieldLogger) (*Alerter, error) {
	if opts.Token == "" || opts.Channel == "" {
		return nil, apperrors.Configf("slack alerter needs a bot token and channel")
	}
	var slackOpts []slack.Option
	if opts.HTTPClient != nil {
		slackOpts = append(slackOpts, slack.OptionHTTPClient(opts.HTTPClient))
	}
	if opts.APIURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(opts.APIURL))
	}
	return &Alerter{
		api:      slack.New(opts.Token, slackOpts...),
		channel:  opts.Channel,
		mentions: opts.Mentions,
		logger:   logger.WithField("component", "slack"),
		now:      time.Now,
	}, nil
}

// AlertMalicious tells the operators a report was classified as malicious.
func (a *Alerter) AlertMalicious(ctx context.Context, r domain.Report) error {
	mention := a.mentionText(ctx)
	blocks := maliciousBlocks(r, mention)
	fallback := fmt.Sprintf("Malicious %s report %s from %s", r.Kind, r.ID, r.SubmitterID)

	_, _, err := a.api.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("posting malicious alert: %w", err)
	}
	a.logger.WithFields(logrus.Fields{"report": r.ID, "channel": a.channel}).Info("malicious alert sent")
	return nil
}

func (a *Alerter) mentionText(ctx context.Context) string {
	if len(a.mentions) == 0 {
		return ""
	}
	ids, unresolved, err := a.resolveUserIDs(ctx, a.mentions)
	if err != nil {
		a.logger.WithError(err).Warn("resolve alert mentions")
	}
	if len(unresolved) > 0 {
		a.logger.WithField("names", strings.Join(unresolved, ",")).Warn("unresolved alert mentions")
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, "<@"+id+">")
	}
	return strings.Join(parts, " ")
}

func maliciousBlocks(r domain.Report, mention string) []slack.Block {
	header := ":rotating_light: *Malicious report detected*"
	if mention != "" {
		header = mention + " " + header
	}
	reasoning := "n/a"
	if r.Analysis != nil && r.Analysis.ClassifierReason != "" {
		reasoning = r.Analysis.ClassifierReason
	}
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Report*\n`"+r.ID+"`", false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Type*\n"+string(r.Kind), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Severity*\n"+valueOr(string(r.Priority), "n/a"), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Category*\n"+valueOr(r.Category, "n/a"), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Reporter*\n"+r.SubmitterID, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Tier*\n"+valueOr(r.SubmitterLabel, "n/a"), false, false),
	}
	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, header, false, false), nil, nil),
		slack.NewSectionBlock(nil, fields, nil),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "*Reasoning*\n"+reasoning, false, false), nil, nil),
	}
}

func valueOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
