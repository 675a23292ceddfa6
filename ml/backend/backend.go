package backend

import (
	_ "github.com/ollama/pagedattention/ml/backend/cpu"
)
