// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/pruning/pkg/config"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "alpha=0.1;training.steps=1000;...".
//
// Each setting is applied with config.Config.Set, and the configuration is validated at the end.
// It returns the keys set, in order.
func ParseSettings(cfg *config.Config, settings ...string) (keysSet []string, err error) {
	for _, group := range settings {
		for _, setting := range strings.Split(group, ";") {
			setting = strings.TrimSpace(setting)
			if setting == "" {
				continue
			}
			if err = cfg.Set(setting); err != nil {
				return nil, err
			}
			key, _, _ := strings.Cut(setting, "=")
			keysSet = append(keysSet, strings.TrimSpace(key))
		}
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "after settings %q", keysSet)
	}
	return keysSet, nil
}

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(tableBorderColor))

// Summary is a titled two-column table (name, value) printed at the end of a run.
type Summary struct {
	Title string
	rows  [][2]string
}

// NewSummary creates an empty summary with the given title.
func NewSummary(title string) *Summary {
	return &Summary{Title: title}
}

// Add a row with the value formatted with fmt.Sprint, or with format if given.
func (s *Summary) Add(name string, value any, format ...string) *Summary {
	var str string
	if len(format) > 0 {
		str = fmt.Sprintf(format[0], value)
	} else {
		str = fmt.Sprint(value)
	}
	s.rows = append(s.rows, [2]string{name, str})
	return s
}

// Len returns the number of rows.
func (s *Summary) Len() int { return len(s.rows) }

// String renders the summary.
func (s *Summary) String() string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return statsNameStyle
			}
			return statsValueStyle
		})
	for _, row := range s.rows {
		table.Row(row[0], row[1])
	}
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(s.Title), table.String())
}

// Print the summary to w.
func (s *Summary) Print(w io.Writer) error {
	_, err := fmt.Fprintln(w, s.String())
	return err
}
