package app

import (
	"github.com/anubissbe/JarvisAI/internal/db"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/repos"
)

type Repos struct {
	KnowledgeBases repos.KnowledgeBaseRepo
	Documents      repos.DocumentRepo
	Chunks         repos.DocumentChunkRepo
}

func wireRepos(log *logger.Logger, pg *db.PostgresService) *Repos {
	gdb := pg.DB()
	return &Repos{
		KnowledgeBases: repos.NewKnowledgeBaseRepo(gdb, log),
		Documents:      repos.NewDocumentRepo(gdb, log),
		Chunks:         repos.NewDocumentChunkRepo(gdb, log),
	}
}
