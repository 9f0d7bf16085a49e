package vulnchat

import "embed"

// TemplateFS contains the HTML templates of the chat panel, split into layout, pages and partials.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the scripts and styles served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
