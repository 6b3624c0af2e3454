package executor

const (
	responseInstructions = `You are a thoughtful journaling companion. Answer the user's message
directly and warmly. Use the memories below when they are relevant and never
invent past events that are not in them.`

	routerInstructions = `Decide whether answering the user's message needs a search of their
journal. Reply with exactly one word: TOOLS if it does, DIRECT if it does not.`

	gradeInstructions = `You are grading whether retrieved journal excerpts help answer a
question. Reply with exactly one word: YES if they are relevant, NO if not.`

	rewriteInstructions = `The journal search for the question below returned nothing useful.
Rewrite the question as a short search query that is more likely to match
journal entries. Reply with the query only.`

	synthesizeInstructions = `Answer the user's question using the journal excerpts provided. If the
excerpts do not contain the answer, say so plainly.`

	classifierInstructions = `Classify the user's daily entry. Reply with exactly one word:
NOTE if it records something that happened or a thought to keep,
CONVERSATIONAL if it asks or tells the assistant something expecting a reply.`

	noteInstructions = `The user logged a journal note. Acknowledge it in one or two short
sentences without asking follow-up questions.`

	suggestInstructions = `Suggest one short question the user could ask their journal assistant
next, based on what they just wrote. Reply with the question only.`
)

func withContext(instructions, heading, context string) string {
	if context == "" {
		return instructions
	}
	return instructions + "\n\n" + heading + "\n" + context
}
