package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

// EmbedSender is the one discordgo capability the notifier uses.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier announces sync outcomes to a Discord channel. A Notifier
// built without a session or channel is disabled and every call is a
// quiet no-op, so callers never need to branch on configuration.
type Notifier struct {
	session   EmbedSender
	channelID string
	siteURL   string
	log       zerolog.Logger
}

func New(session EmbedSender, channelID, siteURL string, log zerolog.Logger) *Notifier {
	if siteURL == "" {
		siteURL = "https://www.mai.finance"
	}
	return &Notifier{
		session:   session,
		channelID: channelID,
		siteURL:   strings.TrimRight(siteURL, "/"),
		log:       logging.Component(log, "notify"),
	}
}

// Enabled reports whether announcements will actually be sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.session != nil && n.channelID != ""
}

// ProposalDiscovered announces a record seen for the first time.
func (n *Notifier) ProposalDiscovered(p *gov.Proposal) error {
	if !n.Enabled() {
		return nil
	}
	embed := n.baseEmbed(p)
	embed.Author = &discordgo.MessageEmbedAuthor{
		Name: fmt.Sprintf("New proposal by %s", shortAddress(p.Author)),
	}
	embed.Color = 0x2ecc71
	return n.send(p, embed)
}

// StatusChanged announces an on-chain status transition.
func (n *Notifier) StatusChanged(p *gov.Proposal, from, to gov.Status) error {
	if !n.Enabled() {
		return nil
	}
	embed := n.baseEmbed(p)
	embed.Author = &discordgo.MessageEmbedAuthor{
		Name: fmt.Sprintf("Status: %s → %s", from, to),
	}
	embed.Color = statusColor(to)
	return n.send(p, embed)
}

// ContentUpdated announces a new document version for an existing
// record.
func (n *Notifier) ContentUpdated(p *gov.Proposal) error {
	if !n.Enabled() {
		return nil
	}
	embed := n.baseEmbed(p)
	embed.Author = &discordgo.MessageEmbedAuthor{
		Name: fmt.Sprintf("Content updated to version %d", p.Version),
	}
	embed.Color = 0x0099ff
	return n.send(p, embed)
}

func (n *Notifier) send(p *gov.Proposal, embed *discordgo.MessageEmbed) error {
	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		n.log.Warn().Err(err).Uint64("number", p.Number).Msg("discord announcement failed")
		return logging.Fail(logging.KindNetwork, "notify", "send discord embed", err)
	}
	return nil
}

func (n *Notifier) baseEmbed(p *gov.Proposal) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("QIP %d: %s", p.Number, p.Title),
		URL:       fmt.Sprintf("%s/qips/%d", n.siteURL, p.Number),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Via GovSync | %s", p.Network),
		},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: p.Status.String(), Inline: true},
			{Name: "Network", Value: p.Network, Inline: true},
		},
	}
	if p.SnapshotID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Snapshot",
			Value: fmt.Sprintf("[Vote](https://snapshot.org/#/qidao.eth/proposal/%s)", p.SnapshotID),
		})
	}
	return embed
}

func statusColor(s gov.Status) int {
	switch s {
	case gov.StatusApproved, gov.StatusImplemented:
		return 0x2ecc71
	case gov.StatusRejected, gov.StatusWithdrawn:
		return 0xe74c3c
	case gov.StatusVotePending:
		return 0xf1c40f
	}
	return 0x0099ff
}

func shortAddress(addr string) string {
	if len(addr) > 16 {
		return addr[:8] + "..." + addr[len(addr)-8:]
	}
	return addr
}
