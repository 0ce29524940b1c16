package protocol

// Preview renders the short notification body for a message. Only text is
// shown verbatim; media types get a glyph and a label.
func Preview(m Message) string {
	switch m.Type {
	case MessageText:
		return m.Content
	case MessageImage:
		return "📷 Imagem"
	case MessageVideo:
		return "🎥 Vídeo"
	case MessageAudio:
		return "🎵 Áudio"
	case MessageDocument:
		return "📄 Documento"
	default:
		return "Nova mensagem"
	}
}
