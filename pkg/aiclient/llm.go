// Package aiclient wraps the third-party generation services the API layer
// depends on: a Gemini-compatible image model, a Firecrawl-compatible
// branding scraper, and an SVG-to-PNG conversion service.
package aiclient

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultImageModel = "imagen-4.0-generate-001"

// GeneratedImage is one rendered creative.
type GeneratedImage struct {
	MIMEType string
	Data     []byte
}

// ImageClient abstracts the image-generation model needed by the API layer.
type ImageClient interface {
	GenerateImage(ctx context.Context, prompt, aspectRatio string) (*GeneratedImage, error)
}

// GeminiImageClient adapts the genai SDK to the ImageClient interface.
type GeminiImageClient struct {
	client *genai.Client
	model  string
}

// NewGeminiImageClient creates an ImageClient backed by the Gemini API.
func NewGeminiImageClient(ctx context.Context, apiKey string) (*GeminiImageClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiImageClient{client: client, model: defaultImageModel}, nil
}

// GenerateImage renders a single image for the prompt. aspectRatio uses the
// provider's notation ("1:1", "16:9", ...); empty means square.
func (g *GeminiImageClient) GenerateImage(ctx context.Context, prompt, aspectRatio string) (*GeneratedImage, error) {
	config := &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	}
	if aspectRatio != "" {
		config.AspectRatio = aspectRatio
	}

	resp, err := g.client.Models.GenerateImages(ctx, g.model, prompt, config)
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, fmt.Errorf("image generation returned no images")
	}

	img := resp.GeneratedImages[0].Image
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}

	return &GeneratedImage{
		MIMEType: mimeType,
		Data:     img.ImageBytes,
	}, nil
}
