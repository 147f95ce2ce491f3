// Package fragment serves static content snippets from the web server root,
// addressed by application (or service) name plus file name.
package fragment

import (
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
)

// Service resolves and reads fragments. Resolved file paths are cached in
// an LRU keyed by "<area>/<file>"; fragment files do not change while the
// process runs.
type Service struct {
	root  string
	cache *lru.Cache[string, string]
}

// New creates a fragment service rooted at the web server root path.
func New(root string) (*Service, error) {
	cache, err := lru.New[string, string](512)
	if err != nil {
		return nil, err
	}
	return &Service{root: root, cache: cache}, nil
}

// Fetch resolves a fragment request. The area is the application name, or
// the service name when the request targets a service's fragments.
func (s *Service) Fetch(msg *message.Envelope) *message.Result {
	service := msg.Service
	if service == "" {
		service = msg.ParamString("service")
	}

	file := msg.ParamString("file")
	if file == "" {
		return message.Fail(&message.Error{
			Kind:    message.FragmentNotFound,
			Text:    "Fragment file  does not exist",
			Service: service,
		})
	}

	area := service
	if area == "" {
		area = msg.Application
	}

	key := area + "/" + file
	path, ok := s.cache.Get(key)
	if !ok {
		path = filepath.Join(s.root, area, filepath.Clean("/"+file))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		logger.DebugCF("fragment", "fragment read failed", map[string]interface{}{
			"file": file, "area": area, "error": err.Error(),
		})
		return message.Fail(&message.Error{
			Kind:    message.FragmentNotFound,
			Text:    "Fragment file " + file + " does not exist",
			File:    file,
			Service: service,
		})
	}
	s.cache.Add(key, path)

	payload := map[string]interface{}{
		"fragmentName": file,
		"content":      string(content),
	}
	if target := msg.ParamString("targetId"); target != "" {
		payload["targetId"] = target
	}
	return message.OK(payload)
}
