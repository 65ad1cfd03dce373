package lspd

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gopkg.in/yaml.v3"
	"os"
	"strconv"
	"strings"
)

// Placeholders available in ticket texts. Not every placeholder is
// available in every text, unknown ones are left as-is.
const (
	placeholderCategory       = "{categoria}"
	placeholderUser           = "{usuario}"
	placeholderTicketID       = "{id_ticket}"
	placeholderDateTime       = "{data_hora}"
	placeholderChannel        = "{canal}"
	placeholderChannelMention = "{canal_mencao}"
	placeholderCreator        = "{criador}"
	placeholderError          = "{erro}"
	placeholderLimit          = "{limite}"

	ticketFooterTimeLayout = "02/01/2006 15:04"
	defaultEmbedColor      = 0x7289DA
)

// EmbedFieldTemplate is a single embed field
type EmbedFieldTemplate struct {
	Name   string `yaml:"name" json:"name"`
	Value  string `yaml:"value" json:"value"`
	Inline bool   `yaml:"inline" json:"inline"`
}

// EmbedTemplate describes an embed whose texts may contain placeholders
type EmbedTemplate struct {
	Title        string               `yaml:"title" json:"title"`
	Description  string               `yaml:"description" json:"description"`
	Color        string               `yaml:"color" json:"color"`
	Fields       []EmbedFieldTemplate `yaml:"fields" json:"fields"`
	ThumbnailURL string               `yaml:"thumbnail_url" json:"thumbnail_url"`
	Footer       string               `yaml:"footer" json:"footer"`
}

// render builds the embed, replacing placeholders with r
func (t EmbedTemplate) render(r *strings.Replacer) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       r.Replace(t.Title),
		Description: r.Replace(t.Description),
		Color:       parseEmbedColor(t.Color),
	}
	for _, f := range t.Fields {
		name := r.Replace(f.Name)
		if name == "" {
			name = "\u200b"
		}
		value := r.Replace(f.Value)
		if value == "" {
			value = "\u200b"
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: name, Value: value, Inline: f.Inline},
		)
	}
	if t.ThumbnailURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: t.ThumbnailURL}
	}
	if footer := r.Replace(t.Footer); footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
	}
	return embed
}

// titlePrefix is the title up to its first placeholder. Used to
// recognize messages rendered from this template.
func (t EmbedTemplate) titlePrefix() string {
	prefix, _, _ := strings.Cut(t.Title, "{")
	return strings.TrimSpace(prefix)
}

// parseEmbedColor parses "#RRGGBB", falling back to defaultEmbedColor
func parseEmbedColor(s string) int {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return defaultEmbedColor
	}
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil || v < 0 || v > 0xFFFFFF {
		return defaultEmbedColor
	}
	return int(v)
}

// TicketPanelTemplate is the embed posted by !setuptickets
type TicketPanelTemplate struct {
	EmbedTemplate       `yaml:",inline"`
	DropdownPlaceholder string `yaml:"dropdown_placeholder" json:"dropdown_placeholder"`
}

// TicketCategoryMessages overrides texts for a single category
type TicketCategoryMessages struct {
	DropdownDescription string         `yaml:"dropdown_description" json:"dropdown_description"`
	WelcomeEmbed        *EmbedTemplate `yaml:"welcome_embed" json:"welcome_embed"`
}

// TicketMessages holds every user-facing text of the ticket system.
// Values are loaded from tickets.messages_file on top of
// DefaultTicketMessages.
//
//nolint:lll // struct tags can't be split
type TicketMessages struct {
	Panel      TicketPanelTemplate               `yaml:"ticket_panel_embed" json:"ticket_panel_embed"`
	Welcome    EmbedTemplate                     `yaml:"ticket_welcome_embed" json:"ticket_welcome_embed"`
	Transcript EmbedTemplate                     `yaml:"transcript_embed" json:"transcript_embed"`
	Categories map[string]TicketCategoryMessages `yaml:"categories" json:"categories"`

	AlreadyOpen            string `yaml:"ticket_already_open" json:"ticket_already_open"`
	CreatedSuccess         string `yaml:"ticket_created_success" json:"ticket_created_success"`
	ErrorCreating          string `yaml:"error_creating_ticket" json:"error_creating_ticket"`
	LimitReached           string `yaml:"ticket_limit_reached" json:"ticket_limit_reached"`
	CreationInProgress     string `yaml:"ticket_creation_in_progress" json:"ticket_creation_in_progress"`
	InvalidCategory        string `yaml:"invalid_category" json:"invalid_category"`
	CategoryNotFound       string `yaml:"category_not_found" json:"category_not_found"`
	NoPermissionClose      string `yaml:"no_permission_close_ticket" json:"no_permission_close_ticket"`
	NoPermissionTranscript string `yaml:"no_permission_transcript_ticket" json:"no_permission_transcript_ticket"`
	CloseMessage           string `yaml:"close_message" json:"close_message"`
	CloseFailed            string `yaml:"close_failed" json:"close_failed"`
	TranscriptCreating     string `yaml:"transcript_creating" json:"transcript_creating"`
	TranscriptSuccess      string `yaml:"transcript_success" json:"transcript_success"`
	TranscriptFailed       string `yaml:"transcript_failed" json:"transcript_failed"`
}

// DefaultTicketMessages returns the built-in ticket texts
func DefaultTicketMessages() *TicketMessages {
	return &TicketMessages{
		Panel: TicketPanelTemplate{
			EmbedTemplate: EmbedTemplate{
				Title:       "🎫 Sistema de Tickets LSPD",
				Description: "Selecione uma categoria no menu abaixo para abrir um ticket.",
				Color:       "#36393F",
				Footer:      "Atualizado em {data_hora}",
			},
			DropdownPlaceholder: "Selecione uma categoria...",
		},
		Welcome: EmbedTemplate{
			Title:       "Bem-vindo ao seu Ticket, {usuario}",
			Description: "Obrigado por contactar a LSPD ({categoria}). Descreva o seu assunto e um membro da equipa irá responder em breve.",
			Color:       "#7289DA",
			Footer:      "Ticket {id_ticket} • {usuario} • {data_hora}",
		},
		Transcript: EmbedTemplate{
			Title:       "📄 Transcrito: {canal}",
			Description: "Ticket de {criador} ({categoria}).",
			Color:       "#99AAB5",
			Footer:      "Gerado em {data_hora}",
		},
		Categories: map[string]TicketCategoryMessages{},

		AlreadyOpen:            "Você já tem um ticket aberto: {canal_mencao}",
		CreatedSuccess:         "Seu ticket foi criado em {canal_mencao}!",
		ErrorCreating:          "Erro ao criar ticket: `{erro}`",
		LimitReached:           "Você já tem {limite} tickets abertos. Por favor, feche um ticket existente antes de abrir um novo.",
		CreationInProgress:     "O seu ticket já está a ser criado, aguarde um momento.",
		InvalidCategory:        "Erro: Categoria selecionada inválida.",
		CategoryNotFound:       "Erro: A categoria '{categoria}' não foi encontrada ou não é uma categoria válida.",
		NoPermissionClose:      "Você não tem permissão para fechar este ticket.",
		NoPermissionTranscript: "Você não tem permissão para transcrever este ticket.",
		CloseMessage:           "Fechando ticket em 5 segundos...",
		CloseFailed:            "Erro ao deletar o canal: {erro}",
		TranscriptCreating:     "Criando transcrito do ticket...",
		TranscriptSuccess:      "Transcrito criado e enviado para o canal de logs!",
		TranscriptFailed:       "Erro ao criar o transcrito: {erro}",
	}
}

// LoadTicketMessages reads the YAML file at path over the defaults.
// An empty path returns the defaults.
func LoadTicketMessages(path string) (*TicketMessages, error) {
	m := DefaultTicketMessages()
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("error reading ticket messages: %w", err)
	}
	if err = yaml.Unmarshal(data, m); err != nil {
		return DefaultTicketMessages(), fmt.Errorf(
			"error parsing ticket messages %q: %w",
			path,
			err,
		)
	}
	if m.Categories == nil {
		m.Categories = map[string]TicketCategoryMessages{}
	}
	return m, nil
}

// welcomeFor returns the welcome embed for a category, falling back
// to the shared one
func (m *TicketMessages) welcomeFor(category string) EmbedTemplate {
	if c, ok := m.Categories[category]; ok && c.WelcomeEmbed != nil {
		return *c.WelcomeEmbed
	}
	return m.Welcome
}

// dropdownDescription returns the category's select option description,
// at most 100 characters
func (m *TicketMessages) dropdownDescription(c TicketCategory) string {
	desc := c.Description
	if cm, ok := m.Categories[c.Label]; ok && cm.DropdownDescription != "" {
		desc = cm.DropdownDescription
	}
	if desc == "" {
		desc = "Descrição padrão para " + c.Label
	}
	return ellipsize(desc, 100)
}

// isWelcomeTitle reports whether an embed title was rendered from
// the shared welcome template or a category override
func (m *TicketMessages) isWelcomeTitle(title string) bool {
	if title == "" {
		return false
	}
	prefixes := []string{m.Welcome.titlePrefix()}
	for _, c := range m.Categories {
		if c.WelcomeEmbed != nil {
			prefixes = append(prefixes, c.WelcomeEmbed.titlePrefix())
		}
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(title, p) {
			return true
		}
	}
	return false
}

// fillPlaceholders replaces each placeholder/value pair in s
func fillPlaceholders(s string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(s)
}
